package deal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"

	"github.com/ClementSutjiatma/deal-sub001/internal/chain"
)

// newTestRouter wires the handler into a router that authenticates every
// request as userID.
func newTestRouter(svc *Service, sweeper *Sweeper, userID string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if userID != "" {
			c.Set("authUserID", userID)
		}
		c.Next()
	})
	h := NewHandler(svc, sweeper)
	v1 := r.Group("/v1")
	h.RegisterRoutes(v1)
	h.RegisterProtectedRoutes(v1)
	h.RegisterAdminRoutes(v1)
	h.RegisterSweepRoutes(v1)
	return r
}

func request(r *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateDealEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newTestRouter(svc, nil, "seller")

	w := request(r, "POST", "/v1/deals", map[string]interface{}{
		"price": 5000, "eventName": "Cup Final",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}

	var resp struct {
		Deal Deal `json:"deal"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Deal.SellerID != "seller" {
		t.Errorf("expected seller from auth context, got %q", resp.Deal.SellerID)
	}
}

func TestCreateDealValidation(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newTestRouter(svc, nil, "seller")

	w := request(r, "POST", "/v1/deals", map[string]interface{}{"venue": "Arena"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing fields, got %d", w.Code)
	}
}

func TestGetDealNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	r := newTestRouter(svc, nil, "")

	w := request(r, "GET", "/v1/deals/deal_missing", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "not_found" {
		t.Errorf("expected not_found code, got %q", resp["error"])
	}
}

func TestClaimRaceLostMapsToConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	mustClaim(t, svc, d.ID, "first_buyer")

	r := newTestRouter(svc, nil, "second_buyer")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/claim", map[string]string{"txHash": "0x1"})
	if w.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "claim_race_lost" {
		t.Errorf("expected claim_race_lost, got %q", resp["error"])
	}
}

func TestSelfDealMapsToBadRequest(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)

	r := newTestRouter(svc, nil, "seller")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/claim", map[string]string{"txHash": "0x1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", w.Code)
	}
}

func TestUnconfirmedChainMapsToUnprocessable(t *testing.T) {
	store := NewMemoryStore()
	gw := newStubGateway()
	gw.verifyResult = false
	svc := NewService(store, gw, testLogger())

	d, err := svc.Create(context.Background(), CreateRequest{
		SellerID: "seller", Price: 5000, EventName: "Cup Final",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	r := newTestRouter(svc, nil, "buyer")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/claim", map[string]string{"txHash": "0xpending"})
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "chain_not_confirmed" {
		t.Errorf("expected chain_not_confirmed, got %q", resp["error"])
	}
}

func TestUnauthorizedMapsToForbidden(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	mustClaim(t, svc, d.ID, "buyer")

	r := newTestRouter(svc, nil, "stranger")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/transfer", nil)
	if w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}
}

func TestTerminalStateMapsToConflict(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	if _, err := svc.Cancel(context.Background(), d.ID, "seller"); err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}

	r := newTestRouter(svc, nil, "buyer")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/claim", map[string]string{"txHash": "0x1"})
	if w.Code != http.StatusConflict {
		t.Errorf("expected 409 on terminal deal, got %d", w.Code)
	}
}

// failingSubmitGateway returns a chain.SubmissionError from resolve.
type failingSubmitGateway struct {
	stubGateway
}

func (g *failingSubmitGateway) SubmitResolve(ctx context.Context, dealID string, favorBuyer bool, feeBps int64) (string, error) {
	return "", &chain.SubmissionError{
		Op: "resolve", DealID: dealID, Reason: "not disputed on chain", Err: chain.ErrTxFailed,
	}
}

func TestSubmissionErrorMapsToBadGateway(t *testing.T) {
	store := NewMemoryStore()
	gw := &failingSubmitGateway{}
	gw.verifyResult = true
	gw.state = &ChainState{Status: ChainFunded}
	svc := NewService(store, gw, testLogger())

	d, err := svc.Create(context.Background(), CreateRequest{
		SellerID: "seller", Price: 5000, EventName: "Cup Final",
	})
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	mustClaim(t, svc, d.ID, "buyer")
	mustTransfer(t, svc, d.ID)
	mustDispute(t, svc, d.ID)

	r := newTestRouter(svc, nil, "admin")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/resolve", map[string]interface{}{"favorBuyer": true})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d: %s", w.Code, w.Body.String())
	}
	var resp map[string]string
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["error"] != "chain_submission_failed" {
		t.Errorf("expected chain_submission_failed, got %q", resp["error"])
	}
}

func TestMissingTxHashOnConfirm(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	mustClaim(t, svc, d.ID, "buyer")
	mustTransfer(t, svc, d.ID)

	r := newTestRouter(svc, nil, "buyer")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/confirm", map[string]string{})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing txHash, got %d", w.Code)
	}
}

func TestDisputeRequiresReason(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	mustClaim(t, svc, d.ID, "buyer")
	mustTransfer(t, svc, d.ID)

	r := newTestRouter(svc, nil, "buyer")
	w := request(r, "POST", "/v1/deals/"+d.ID+"/dispute", map[string]string{"txHash": "0x1"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for missing reason, got %d", w.Code)
	}
}

func TestGetByCodeEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)

	r := newTestRouter(svc, nil, "")
	w := request(r, "GET", "/v1/deals/code/"+d.ShortCode, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	w = request(r, "GET", "/v1/deals/code/ZZZZZZ", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown code, got %d", w.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	svc, _, _ := newTestService(t)
	d := createOpenDeal(t, svc)
	mustClaim(t, svc, d.ID, "buyer")

	r := newTestRouter(svc, nil, "")
	w := request(r, "GET", "/v1/deals/"+d.ID+"/events", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp struct {
		Count int `json:"count"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &resp)
	if resp.Count != 2 {
		t.Errorf("expected 2 events, got %d", resp.Count)
	}
}

func TestSweepEndpointReturnsResult(t *testing.T) {
	store := NewMemoryStore()
	gw := newStubGateway()
	svc := NewService(store, gw, testLogger())
	sweeper := NewSweeper(svc, store, DefaultDeadlines(), testLogger())

	r := newTestRouter(svc, sweeper, "")
	w := request(r, "POST", "/v1/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var result SweepResult
	if err := json.Unmarshal(w.Body.Bytes(), &result); err != nil {
		t.Fatalf("decode sweep result: %v", err)
	}
	if result.Processed != 0 {
		t.Errorf("expected empty sweep, got %d", result.Processed)
	}
}

func TestRespondErrorDefaultsToInternal(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := &Handler{}
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	h.respondError(c, errors.New("boom"))
	if w.Code != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", w.Code)
	}
}
