package service

import (
	"context"
	"strconv"

	"github.com/go-kratos/kratos/v2/transport/http"
)

// Operation names, used by middleware selectors and request logs.
const (
	OperationPoolStatus             = "/proxylane.admin.v1.Admin/PoolStatus"
	OperationCreateAccount          = "/proxylane.admin.v1.Admin/CreateAccount"
	OperationDeleteAccount          = "/proxylane.admin.v1.Admin/DeleteAccount"
	OperationReauthorizeAccount     = "/proxylane.admin.v1.Admin/ReauthorizeAccount"
	OperationSetAccountDisabled     = "/proxylane.admin.v1.Admin/SetAccountDisabled"
	OperationUpdateAccountMetadata  = "/proxylane.admin.v1.Admin/UpdateAccountMetadata"
	OperationReloadAccount          = "/proxylane.admin.v1.Admin/ReloadAccount"
	OperationReloadAllAccounts      = "/proxylane.admin.v1.Admin/ReloadAllAccounts"
	OperationClearAccountRateLimits = "/proxylane.admin.v1.Admin/ClearAccountRateLimits"
	OperationGetPreferredAccount    = "/proxylane.admin.v1.Admin/GetPreferredAccount"
	OperationSetPreferredAccount    = "/proxylane.admin.v1.Admin/SetPreferredAccount"
	OperationClearRateLimits        = "/proxylane.admin.v1.Admin/ClearRateLimits"
	OperationClearSessions          = "/proxylane.admin.v1.Admin/ClearSessions"
	OperationGetCircuitBreaker      = "/proxylane.admin.v1.Admin/GetCircuitBreaker"
	OperationUpdateCircuitBreaker   = "/proxylane.admin.v1.Admin/UpdateCircuitBreaker"
	OperationGetQuotaProtection     = "/proxylane.admin.v1.Admin/GetQuotaProtection"
	OperationUpdateQuotaProtection  = "/proxylane.admin.v1.Admin/UpdateQuotaProtection"
	OperationGetScheduling          = "/proxylane.admin.v1.Admin/GetScheduling"
	OperationUpdateScheduling       = "/proxylane.admin.v1.Admin/UpdateScheduling"
	OperationRefreshCredentials     = "/proxylane.admin.v1.Admin/RefreshCredentials"
	OperationRefreshQuota           = "/proxylane.admin.v1.Admin/RefreshQuota"
	OperationListAudit              = "/proxylane.admin.v1.Admin/ListAudit"
	OperationFallbackStatus         = "/proxylane.admin.v1.Admin/FallbackStatus"
)

// RegisterAdminHTTPServer mounts the admin API under /admin/v1.
func RegisterAdminHTTPServer(s *http.Server, srv *AdminService) {
	r := s.Route("/admin/v1")
	r.GET("/pool", handle(OperationPoolStatus, bindNone, srv.PoolStatus))

	r.POST("/accounts", handle(OperationCreateAccount, bindBody[CreateAccountRequest], srv.CreateAccount))
	r.DELETE("/accounts/{id}", handle(OperationDeleteAccount, bindID[AccountRequest](func(in *AccountRequest, id string) { in.ID = id }), srv.DeleteAccount))
	r.POST("/accounts/{id}/reauthorize", handle(OperationReauthorizeAccount, bindBodyID(func(in *ReauthorizeRequest, id string) { in.ID = id }), srv.ReauthorizeAccount))
	r.POST("/accounts/{id}/disabled", handle(OperationSetAccountDisabled, bindBodyID(func(in *SetDisabledRequest, id string) { in.ID = id }), srv.SetAccountDisabled))
	r.PUT("/accounts/{id}/metadata", handle(OperationUpdateAccountMetadata, bindBodyID(func(in *UpdateMetadataRequest, id string) { in.ID = id }), srv.UpdateAccountMetadata))
	r.POST("/accounts/{id}/reload", handle(OperationReloadAccount, bindID[AccountRequest](func(in *AccountRequest, id string) { in.ID = id }), srv.ReloadAccount))
	r.POST("/accounts/reload", handle(OperationReloadAllAccounts, bindNone, srv.ReloadAllAccounts))
	r.DELETE("/accounts/{id}/rate-limits", handle(OperationClearAccountRateLimits, bindID[AccountRequest](func(in *AccountRequest, id string) { in.ID = id }), srv.ClearAccountRateLimits))
	r.GET("/accounts/{id}/audit", handle(OperationListAudit, bindAudit(true), srv.ListAudit))

	r.GET("/preferred-account", handle(OperationGetPreferredAccount, bindNone, srv.GetPreferredAccount))
	r.PUT("/preferred-account", handle(OperationSetPreferredAccount, bindBody[PreferredAccountRequest], srv.SetPreferredAccount))
	r.DELETE("/rate-limits", handle(OperationClearRateLimits, bindNone, srv.ClearRateLimits))
	r.DELETE("/sessions", handle(OperationClearSessions, bindNone, srv.ClearSessions))

	r.GET("/config/circuit-breaker", handle(OperationGetCircuitBreaker, bindNone, srv.GetCircuitBreaker))
	r.PUT("/config/circuit-breaker", handle(OperationUpdateCircuitBreaker, bindBody[CircuitBreakerSettings], srv.UpdateCircuitBreaker))
	r.GET("/config/quota-protection", handle(OperationGetQuotaProtection, bindNone, srv.GetQuotaProtection))
	r.PUT("/config/quota-protection", handle(OperationUpdateQuotaProtection, bindBody[QuotaProtectionSettings], srv.UpdateQuotaProtection))
	r.GET("/config/scheduling", handle(OperationGetScheduling, bindNone, srv.GetScheduling))
	r.PUT("/config/scheduling", handle(OperationUpdateScheduling, bindBody[SchedulingSettings], srv.UpdateScheduling))

	r.POST("/tasks/refresh-credentials", handle(OperationRefreshCredentials, bindNone, srv.RefreshCredentials))
	r.POST("/tasks/refresh-quota", handle(OperationRefreshQuota, bindNone, srv.RefreshQuota))

	r.GET("/audit", handle(OperationListAudit, bindAudit(false), srv.ListAudit))
	r.GET("/fallback", handle(OperationFallbackStatus, bindNone, srv.FallbackStatus))
}

// handle adapts a service method to a route: bind the request, run it
// through the server middleware chain, encode the reply.
func handle[Req any, Reply any](operation string, bind func(http.Context) (*Req, error), call func(context.Context, *Req) (*Reply, error)) http.HandlerFunc {
	return func(ctx http.Context) error {
		in, err := bind(ctx)
		if err != nil {
			return errInvalidArgument("%v", err)
		}
		http.SetOperation(ctx, operation)
		h := ctx.Middleware(func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, req.(*Req))
		})
		out, err := h(ctx, in)
		if err != nil {
			return err
		}
		return ctx.Result(200, out.(*Reply))
	}
}

func bindNone(http.Context) (*Empty, error) {
	return &Empty{}, nil
}

func bindBody[Req any](ctx http.Context) (*Req, error) {
	var in Req
	if err := ctx.Bind(&in); err != nil {
		return nil, err
	}
	return &in, nil
}

func bindID[Req any](set func(*Req, string)) func(http.Context) (*Req, error) {
	return func(ctx http.Context) (*Req, error) {
		var in Req
		set(&in, ctx.Vars().Get("id"))
		return &in, nil
	}
}

func bindBodyID[Req any](set func(*Req, string)) func(http.Context) (*Req, error) {
	return func(ctx http.Context) (*Req, error) {
		in, err := bindBody[Req](ctx)
		if err != nil {
			return nil, err
		}
		set(in, ctx.Vars().Get("id"))
		return in, nil
	}
}

func bindAudit(byAccount bool) func(http.Context) (*ListAuditRequest, error) {
	return func(ctx http.Context) (*ListAuditRequest, error) {
		in := &ListAuditRequest{}
		if byAccount {
			in.AccountID = ctx.Vars().Get("id")
		} else {
			in.AccountID = ctx.Query().Get("account_id")
		}
		if raw := ctx.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return nil, err
			}
			in.Limit = n
		}
		return in, nil
	}
}
