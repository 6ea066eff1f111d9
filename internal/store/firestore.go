package store

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/PitiGo/presupuesto-facil/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const (
	accountsCollection       = "accounts"
	transactionsCollection   = "transactions"
	categoryGroupsCollection = "category_groups"
	categoriesCollection     = "categories"
	budgetsCollection        = "budgets"
	readyToAssignCollection  = "ready_to_assign"
)

// FirestoreStore implements the Store interface using Firestore. Accounts and
// transactions are stored under their aggregator identifiers; money is stored
// in integer cents so that spent amounts can be incremented server side.
type FirestoreStore struct {
	client *firestore.Client
	// tx is set on the copy handed to RunInTx callbacks.
	tx *firestore.Transaction
}

// NewFirestoreStore creates a new Firestore-backed store
func NewFirestoreStore(client *firestore.Client) *FirestoreStore {
	return &FirestoreStore{
		client: client,
	}
}

// RunInTx runs fn in a Firestore transaction. Firestore rejects reads issued
// after a write in the same transaction, and may run fn more than once when
// the transaction is contended.
func (s *FirestoreStore) RunInTx(ctx context.Context, fn TxFunc) error {
	if s.tx != nil {
		return fn(ctx, s)
	}
	return s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		return fn(ctx, &FirestoreStore{client: s.client, tx: tx})
	})
}

func (s *FirestoreStore) get(ctx context.Context, ref *firestore.DocumentRef) (*firestore.DocumentSnapshot, error) {
	var (
		doc *firestore.DocumentSnapshot
		err error
	)
	if s.tx != nil {
		doc, err = s.tx.Get(ref)
	} else {
		doc, err = ref.Get(ctx)
	}
	if status.Code(err) == codes.NotFound {
		return nil, fmt.Errorf("%s/%s: %w", ref.Parent.ID, ref.ID, ErrNotFound)
	}
	return doc, err
}

func (s *FirestoreStore) query(ctx context.Context, q firestore.Query) ([]*firestore.DocumentSnapshot, error) {
	if s.tx != nil {
		return s.tx.Documents(q).GetAll()
	}
	return q.Documents(ctx).GetAll()
}

func (s *FirestoreStore) create(ctx context.Context, ref *firestore.DocumentRef, data any) error {
	if s.tx != nil {
		return s.tx.Create(ref, data)
	}
	_, err := ref.Create(ctx, data)
	return err
}

func (s *FirestoreStore) set(ctx context.Context, ref *firestore.DocumentRef, data any) error {
	if s.tx != nil {
		return s.tx.Set(ref, data)
	}
	_, err := ref.Set(ctx, data)
	return err
}

func (s *FirestoreStore) update(ctx context.Context, ref *firestore.DocumentRef, updates []firestore.Update) error {
	var err error
	if s.tx != nil {
		err = s.tx.Update(ref, updates)
	} else {
		_, err = ref.Update(ctx, updates)
	}
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", ref.Parent.ID, ref.ID, ErrNotFound)
	}
	return err
}

func (s *FirestoreStore) delete(ctx context.Context, ref *firestore.DocumentRef) error {
	var err error
	if s.tx != nil {
		err = s.tx.Delete(ref, firestore.Exists)
	} else {
		_, err = ref.Delete(ctx, firestore.Exists)
	}
	if status.Code(err) == codes.NotFound {
		return fmt.Errorf("%s/%s: %w", ref.Parent.ID, ref.ID, ErrNotFound)
	}
	return err
}

// Account operations

type accountDoc struct {
	ID              string    `firestore:"id"`
	UserID          string    `firestore:"user_id"`
	AccountID       string    `firestore:"account_id"`
	AccountType     string    `firestore:"account_type"`
	DisplayName     string    `firestore:"display_name"`
	BalanceCents    *int64    `firestore:"balance_cents"`
	Currency        string    `firestore:"currency"`
	InstitutionName string    `firestore:"institution_name"`
	CreatedAt       time.Time `firestore:"created_at"`
}

func newAccountDoc(a *models.Account) *accountDoc {
	doc := &accountDoc{
		ID:              a.ID,
		UserID:          a.UserID,
		AccountID:       a.AccountID,
		AccountType:     a.AccountType,
		DisplayName:     a.DisplayName,
		Currency:        a.Currency,
		InstitutionName: a.InstitutionName,
		CreatedAt:       a.CreatedAt,
	}
	if a.Balance.Valid {
		cents := toCents(a.Balance.Decimal)
		doc.BalanceCents = &cents
	}
	return doc
}

func (d *accountDoc) model() *models.Account {
	a := &models.Account{
		ID:              d.ID,
		UserID:          d.UserID,
		AccountID:       d.AccountID,
		AccountType:     d.AccountType,
		DisplayName:     d.DisplayName,
		Currency:        d.Currency,
		InstitutionName: d.InstitutionName,
		CreatedAt:       d.CreatedAt,
	}
	if d.BalanceCents != nil {
		a.Balance = decimal.NewNullDecimal(fromCents(*d.BalanceCents))
	}
	return a
}

func (s *FirestoreStore) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	doc, err := s.get(ctx, s.client.Collection(accountsCollection).Doc(accountID))
	if err != nil {
		return nil, err
	}
	var account accountDoc
	if err := doc.DataTo(&account); err != nil {
		return nil, fmt.Errorf("failed to parse account: %w", err)
	}
	return account.model(), nil
}

func (s *FirestoreStore) CreateAccount(ctx context.Context, account *models.Account) error {
	if account.ID == "" {
		account.ID = uuid.New().String()
	}
	return s.create(ctx, s.client.Collection(accountsCollection).Doc(account.AccountID), newAccountDoc(account))
}

// UpdateAccount overwrites the account document. Callers read it first.
func (s *FirestoreStore) UpdateAccount(ctx context.Context, account *models.Account) error {
	return s.set(ctx, s.client.Collection(accountsCollection).Doc(account.AccountID), newAccountDoc(account))
}

func (s *FirestoreStore) ListAccounts(ctx context.Context, userID string) ([]*models.Account, error) {
	query := s.client.Collection(accountsCollection).Query
	if userID != "" {
		query = query.Where("user_id", "==", userID)
	}
	query = query.OrderBy("created_at", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)

	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	accounts := make([]*models.Account, 0, len(docs))
	for _, doc := range docs {
		var account accountDoc
		if err := doc.DataTo(&account); err != nil {
			return nil, fmt.Errorf("failed to parse account: %w", err)
		}
		accounts = append(accounts, account.model())
	}
	return accounts, nil
}

// Transaction operations

type transactionDoc struct {
	ID                  string    `firestore:"id"`
	AccountID           string    `firestore:"account_id"`
	UserID              string    `firestore:"user_id"`
	TransactionID       string    `firestore:"transaction_id"`
	AmountCents         int64     `firestore:"amount_cents"`
	Currency            string    `firestore:"currency"`
	Description         string    `firestore:"description"`
	TransactionType     string    `firestore:"transaction_type"`
	TransactionCategory string    `firestore:"transaction_category"`
	Timestamp           time.Time `firestore:"timestamp"`
	CategoryID          string    `firestore:"category_id"`
}

func newTransactionDoc(t *models.Transaction) *transactionDoc {
	return &transactionDoc{
		ID:                  t.ID,
		AccountID:           t.AccountID,
		UserID:              t.UserID,
		TransactionID:       t.TransactionID,
		AmountCents:         toCents(t.Amount),
		Currency:            t.Currency,
		Description:         t.Description,
		TransactionType:     t.TransactionType,
		TransactionCategory: t.TransactionCategory,
		Timestamp:           t.Timestamp,
		CategoryID:          t.CategoryID,
	}
}

func (d *transactionDoc) model() *models.Transaction {
	return &models.Transaction{
		ID:                  d.ID,
		AccountID:           d.AccountID,
		UserID:              d.UserID,
		TransactionID:       d.TransactionID,
		Amount:              fromCents(d.AmountCents),
		Currency:            d.Currency,
		Description:         d.Description,
		TransactionType:     d.TransactionType,
		TransactionCategory: d.TransactionCategory,
		Timestamp:           d.Timestamp,
		CategoryID:          d.CategoryID,
	}
}

func (s *FirestoreStore) GetTransaction(ctx context.Context, transactionID string) (*models.Transaction, error) {
	doc, err := s.get(ctx, s.client.Collection(transactionsCollection).Doc(transactionID))
	if err != nil {
		return nil, err
	}
	var txn transactionDoc
	if err := doc.DataTo(&txn); err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	return txn.model(), nil
}

func (s *FirestoreStore) CreateTransaction(ctx context.Context, txn *models.Transaction) error {
	if txn.ID == "" {
		txn.ID = uuid.New().String()
	}
	return s.create(ctx, s.client.Collection(transactionsCollection).Doc(txn.TransactionID), newTransactionDoc(txn))
}

// UpdateTransaction overwrites the transaction document. Callers read it first.
func (s *FirestoreStore) UpdateTransaction(ctx context.Context, txn *models.Transaction) error {
	return s.set(ctx, s.client.Collection(transactionsCollection).Doc(txn.TransactionID), newTransactionDoc(txn))
}

func (s *FirestoreStore) DeleteTransaction(ctx context.Context, transactionID string) error {
	return s.delete(ctx, s.client.Collection(transactionsCollection).Doc(transactionID))
}

func (s *FirestoreStore) ListTransactions(ctx context.Context, filter TransactionFilter) ([]*models.Transaction, error) {
	query := s.client.Collection(transactionsCollection).Query
	if filter.UserID != "" {
		query = query.Where("user_id", "==", filter.UserID)
	}
	if filter.AccountID != "" {
		query = query.Where("account_id", "==", filter.AccountID)
	}
	query = query.OrderBy("timestamp", firestore.Desc).OrderBy(firestore.DocumentID, firestore.Asc)
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	query = query.Limit(filter.NormalizedLimit())

	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	txns := make([]*models.Transaction, 0, len(docs))
	for _, doc := range docs {
		var txn transactionDoc
		if err := doc.DataTo(&txn); err != nil {
			return nil, fmt.Errorf("failed to parse transaction: %w", err)
		}
		txns = append(txns, txn.model())
	}
	return txns, nil
}

// Category operations

func (s *FirestoreStore) CreateCategoryGroup(ctx context.Context, group *models.CategoryGroup) error {
	if group.ID == "" {
		group.ID = uuid.New().String()
	}
	return s.set(ctx, s.client.Collection(categoryGroupsCollection).Doc(group.ID), map[string]any{
		"id":         group.ID,
		"user_id":    group.UserID,
		"name":       group.Name,
		"created_at": group.CreatedAt,
		"updated_at": group.UpdatedAt,
	})
}

func (s *FirestoreStore) ListCategoryGroups(ctx context.Context, userID string) ([]*models.CategoryGroup, error) {
	query := s.client.Collection(categoryGroupsCollection).Where("user_id", "==", userID).OrderBy("name", firestore.Asc)
	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list category groups: %w", err)
	}
	groups := make([]*models.CategoryGroup, 0, len(docs))
	for _, doc := range docs {
		data := doc.Data()
		groups = append(groups, &models.CategoryGroup{
			ID:        stringField(data, "id"),
			UserID:    stringField(data, "user_id"),
			Name:      stringField(data, "name"),
			CreatedAt: timeField(data, "created_at"),
			UpdatedAt: timeField(data, "updated_at"),
		})
	}
	return groups, nil
}

type categoryDoc struct {
	ID        string    `firestore:"id"`
	UserID    string    `firestore:"user_id"`
	Name      string    `firestore:"name"`
	Type      string    `firestore:"type"`
	GroupID   string    `firestore:"group_id"`
	CreatedAt time.Time `firestore:"created_at"`
	UpdatedAt time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) CreateCategory(ctx context.Context, category *models.Category) error {
	if category.ID == "" {
		category.ID = uuid.New().String()
	}
	return s.create(ctx, s.client.Collection(categoriesCollection).Doc(category.ID), categoryDoc(*category))
}

func (s *FirestoreStore) GetCategory(ctx context.Context, categoryID string) (*models.Category, error) {
	doc, err := s.get(ctx, s.client.Collection(categoriesCollection).Doc(categoryID))
	if err != nil {
		return nil, err
	}
	var category categoryDoc
	if err := doc.DataTo(&category); err != nil {
		return nil, fmt.Errorf("failed to parse category: %w", err)
	}
	m := models.Category(category)
	return &m, nil
}

func (s *FirestoreStore) UpdateCategory(ctx context.Context, category *models.Category) error {
	return s.set(ctx, s.client.Collection(categoriesCollection).Doc(category.ID), categoryDoc(*category))
}

func (s *FirestoreStore) ListCategories(ctx context.Context, userID string) ([]*models.Category, error) {
	query := s.client.Collection(categoriesCollection).Where("user_id", "==", userID).OrderBy("name", firestore.Asc)
	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	categories := make([]*models.Category, 0, len(docs))
	for _, doc := range docs {
		var category categoryDoc
		if err := doc.DataTo(&category); err != nil {
			return nil, fmt.Errorf("failed to parse category: %w", err)
		}
		m := models.Category(category)
		categories = append(categories, &m)
	}
	return categories, nil
}

// Budget operations

type budgetDoc struct {
	ID                   string    `firestore:"id"`
	CategoryID           string    `firestore:"category_id"`
	UserID               string    `firestore:"user_id"`
	EstimatedAmountCents int64     `firestore:"estimated_amount_cents"`
	AssignedAmountCents  int64     `firestore:"assigned_amount_cents"`
	SpentAmountCents     int64     `firestore:"spent_amount_cents"`
	PeriodStart          time.Time `firestore:"period_start"`
	PeriodEnd            time.Time `firestore:"period_end"`
	CreatedAt            time.Time `firestore:"created_at"`
	UpdatedAt            time.Time `firestore:"updated_at"`
}

func (d *budgetDoc) model() *models.Budget {
	return &models.Budget{
		ID:              d.ID,
		CategoryID:      d.CategoryID,
		UserID:          d.UserID,
		EstimatedAmount: fromCents(d.EstimatedAmountCents),
		AssignedAmount:  fromCents(d.AssignedAmountCents),
		SpentAmount:     fromCents(d.SpentAmountCents),
		PeriodStart:     d.PeriodStart,
		PeriodEnd:       d.PeriodEnd,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
	}
}

func parseBudgets(docs []*firestore.DocumentSnapshot) ([]*models.Budget, error) {
	budgets := make([]*models.Budget, 0, len(docs))
	for _, doc := range docs {
		var budget budgetDoc
		if err := doc.DataTo(&budget); err != nil {
			return nil, fmt.Errorf("failed to parse budget: %w", err)
		}
		budgets = append(budgets, budget.model())
	}
	return budgets, nil
}

func (s *FirestoreStore) CreateBudget(ctx context.Context, budget *models.Budget) error {
	if budget.ID == "" {
		budget.ID = uuid.New().String()
	}
	return s.create(ctx, s.client.Collection(budgetsCollection).Doc(budget.ID), &budgetDoc{
		ID:                   budget.ID,
		CategoryID:           budget.CategoryID,
		UserID:               budget.UserID,
		EstimatedAmountCents: toCents(budget.EstimatedAmount),
		AssignedAmountCents:  toCents(budget.AssignedAmount),
		SpentAmountCents:     toCents(budget.SpentAmount),
		PeriodStart:          budget.PeriodStart,
		PeriodEnd:            budget.PeriodEnd,
		CreatedAt:            budget.CreatedAt,
		UpdatedAt:            budget.UpdatedAt,
	})
}

func (s *FirestoreStore) GetBudget(ctx context.Context, budgetID string) (*models.Budget, error) {
	doc, err := s.get(ctx, s.client.Collection(budgetsCollection).Doc(budgetID))
	if err != nil {
		return nil, err
	}
	var budget budgetDoc
	if err := doc.DataTo(&budget); err != nil {
		return nil, fmt.Errorf("failed to parse budget: %w", err)
	}
	return budget.model(), nil
}

func (s *FirestoreStore) ListBudgets(ctx context.Context, userID string) ([]*models.Budget, error) {
	query := s.client.Collection(budgetsCollection).Where("user_id", "==", userID).
		OrderBy("period_start", firestore.Asc).OrderBy(firestore.DocumentID, firestore.Asc)
	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list budgets: %w", err)
	}
	return parseBudgets(docs)
}

func (s *FirestoreStore) FindBudgets(ctx context.Context, userID, categoryID string, date time.Time) ([]*models.Budget, error) {
	query := s.client.Collection(budgetsCollection).
		Where("user_id", "==", userID).
		Where("category_id", "==", categoryID).
		Where("period_start", "<=", models.DateOf(date))
	docs, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to find budgets: %w", err)
	}
	candidates, err := parseBudgets(docs)
	if err != nil {
		return nil, err
	}
	var budgets []*models.Budget
	for _, budget := range candidates {
		if budget.Contains(date) {
			budgets = append(budgets, budget)
		}
	}
	return budgets, nil
}

func (s *FirestoreStore) AdjustBudgetSpent(ctx context.Context, budgetID string, delta decimal.Decimal) error {
	return s.update(ctx, s.client.Collection(budgetsCollection).Doc(budgetID), []firestore.Update{
		{Path: "spent_amount_cents", Value: firestore.Increment(toCents(delta))},
		{Path: "updated_at", Value: firestore.ServerTimestamp},
	})
}

// Ready to assign operations

type readyToAssignDoc struct {
	UserID      string    `firestore:"user_id"`
	AmountCents int64     `firestore:"amount_cents"`
	CreatedAt   time.Time `firestore:"created_at"`
	UpdatedAt   time.Time `firestore:"updated_at"`
}

func (s *FirestoreStore) GetReadyToAssign(ctx context.Context, userID string) (*models.ReadyToAssign, error) {
	doc, err := s.get(ctx, s.client.Collection(readyToAssignCollection).Doc(userID))
	if err != nil {
		return nil, err
	}
	var rta readyToAssignDoc
	if err := doc.DataTo(&rta); err != nil {
		return nil, fmt.Errorf("failed to parse ready to assign: %w", err)
	}
	return &models.ReadyToAssign{
		UserID:    rta.UserID,
		Amount:    fromCents(rta.AmountCents),
		CreatedAt: rta.CreatedAt,
		UpdatedAt: rta.UpdatedAt,
	}, nil
}

func (s *FirestoreStore) SetReadyToAssign(ctx context.Context, rta *models.ReadyToAssign) error {
	return s.set(ctx, s.client.Collection(readyToAssignCollection).Doc(rta.UserID), &readyToAssignDoc{
		UserID:      rta.UserID,
		AmountCents: toCents(rta.Amount),
		CreatedAt:   rta.CreatedAt,
		UpdatedAt:   rta.UpdatedAt,
	})
}

func stringField(data map[string]any, key string) string {
	v, _ := data[key].(string)
	return v
}

func timeField(data map[string]any, key string) time.Time {
	v, _ := data[key].(time.Time)
	return v
}
