package service

import (
	"context"
	"net/http"

	"connectrpc.com/connect"
)

// ServiceName is the fully qualified name of the Connect service.
const ServiceName = "presupuesto.v1.BudgetService"

// Procedure returns the HTTP path of a BudgetService method.
func Procedure(method string) string {
	return "/" + ServiceName + "/" + method
}

// NewBudgetServiceHandler builds the Connect handler for every method of svc.
// It returns the path prefix to mount the handler on.
func NewBudgetServiceHandler(svc *BudgetService, opts ...connect.HandlerOption) (string, http.Handler) {
	opts = append([]connect.HandlerOption{connect.WithCodec(JSONCodec{})}, opts...)
	mux := http.NewServeMux()

	handle(mux, "InitiateConnect", svc.InitiateConnect, opts)
	handle(mux, "HandleCallback", svc.HandleCallback, opts)
	handle(mux, "ListAccounts", svc.ListAccounts, opts)
	handle(mux, "ResyncAccounts", svc.ResyncAccounts, opts)
	handle(mux, "ListAccountTransactions", svc.ListAccountTransactions, opts)
	handle(mux, "ResyncAccountTransactions", svc.ResyncAccountTransactions, opts)

	handle(mux, "CreateTransaction", svc.CreateTransaction, opts)
	handle(mux, "GetTransaction", svc.GetTransaction, opts)
	handle(mux, "ListTransactions", svc.ListTransactions, opts)
	handle(mux, "UpdateTransaction", svc.UpdateTransaction, opts)
	handle(mux, "DeleteTransaction", svc.DeleteTransaction, opts)

	handle(mux, "CreateCategoryGroup", svc.CreateCategoryGroup, opts)
	handle(mux, "ListCategoryGroups", svc.ListCategoryGroups, opts)
	handle(mux, "CreateCategory", svc.CreateCategory, opts)
	handle(mux, "ListCategories", svc.ListCategories, opts)
	handle(mux, "UpdateCategory", svc.UpdateCategory, opts)

	handle(mux, "CreateBudget", svc.CreateBudget, opts)
	handle(mux, "GetBudget", svc.GetBudget, opts)
	handle(mux, "ListBudgets", svc.ListBudgets, opts)

	handle(mux, "GetReadyToAssign", svc.GetReadyToAssign, opts)
	handle(mux, "UpdateReadyToAssign", svc.UpdateReadyToAssign, opts)
	handle(mux, "GetSpentByCategory", svc.GetSpentByCategory, opts)

	return "/" + ServiceName + "/", mux
}

func handle[Req, Res any](
	mux *http.ServeMux,
	method string,
	fn func(context.Context, *connect.Request[Req]) (*connect.Response[Res], error),
	opts []connect.HandlerOption,
) {
	path := Procedure(method)
	mux.Handle(path, connect.NewUnaryHandler(path, fn, opts...))
}
