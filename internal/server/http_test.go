package server_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"stexchange/internal/admin"
	"stexchange/internal/command"
	"stexchange/internal/compute"
	"stexchange/internal/observability"
	"stexchange/internal/server"
)

const operatorToken = "test-operator-token"

type httpFixture struct {
	handler http.Handler
	stub    *compute.StubProvider
}

func newHTTPFixture(t *testing.T) *httpFixture {
	t.Helper()

	stub := compute.NewStubProvider()
	gateway := compute.NewGateway(stub, stub, compute.ModeStub)
	controller := admin.NewController(operatorToken, gateway)

	srv := server.NewHTTPServer(":0", make(chan command.Request, 1), nil,
		stub, controller, observability.NewHealthChecker(), zerolog.Nop())

	handler, err := srv.Handler()
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	return &httpFixture{handler: handler, stub: stub}
}

func (f *httpFixture) post(t *testing.T, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	if token != "" {
		req.Header.Set("X-Operator-Token", token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func injectBody(buyer, seller uuid.UUID, finalized bool) string {
	return `{
		"matches": [{
			"buy_order_id": 2, "sell_order_id": 1,
			"buyer": "` + buyer.String() + `", "seller": "` + seller.String() + `",
			"asset": "WIDGET", "price": 5, "amount": 10
		}],
		"finalized": ` + map[bool]string{true: "true", false: "false"}[finalized] + `
	}`
}

func TestInjectResultRequiresOperatorToken(t *testing.T) {
	f := newHTTPFixture(t)
	buyer, seller := uuid.New(), uuid.New()

	rec := f.post(t, "/v1/computations/7/results", "", injectBody(buyer, seller, true))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("no token: status = %d, want 403", rec.Code)
	}

	rec = f.post(t, "/v1/computations/7/results", "wrong-token", injectBody(buyer, seller, true))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("wrong token: status = %d, want 403", rec.Code)
	}

	result, err := f.stub.GetResult(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if result.Exists {
		t.Fatal("unauthorized request reached the stub")
	}
}

func TestInjectResultStoresInStub(t *testing.T) {
	f := newHTTPFixture(t)
	buyer, seller := uuid.New(), uuid.New()

	rec := f.post(t, "/v1/computations/7/results", operatorToken, injectBody(buyer, seller, false))
	if rec.Code != http.StatusOK {
		t.Fatalf("inject: status = %d body = %s", rec.Code, rec.Body.String())
	}

	result, err := f.stub.GetResult(context.Background(), 7)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Exists || result.Finalized {
		t.Fatalf("result = %+v, want injected but not finalized", result)
	}
	if len(result.Matches) != 1 {
		t.Fatalf("matches = %d, want 1", len(result.Matches))
	}
	match := result.Matches[0]
	if match.Buyer != buyer || match.Seller != seller || match.Amount != 10 || match.Price != 5 {
		t.Fatalf("match = %+v", match)
	}
	if match.Asset.Symbol != "WIDGET" {
		t.Errorf("asset = %+v", match.Asset)
	}

	// Results are immutable: a second injection is rejected.
	rec = f.post(t, "/v1/computations/7/results", operatorToken, injectBody(buyer, seller, true))
	if rec.Code != http.StatusConflict {
		t.Fatalf("re-inject: status = %d, want 409", rec.Code)
	}
}

func TestFinalizeResult(t *testing.T) {
	f := newHTTPFixture(t)
	buyer, seller := uuid.New(), uuid.New()

	rec := f.post(t, "/v1/computations/9/finalize", operatorToken, "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("finalize missing: status = %d, want 404", rec.Code)
	}

	f.post(t, "/v1/computations/9/results", operatorToken, injectBody(buyer, seller, false))

	rec = f.post(t, "/v1/computations/9/finalize", operatorToken, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("finalize: status = %d body = %s", rec.Code, rec.Body.String())
	}

	result, err := f.stub.GetResult(context.Background(), 9)
	if err != nil {
		t.Fatal(err)
	}
	if !result.Finalized {
		t.Fatal("result not finalized")
	}
}
