package api

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/hashlock-labs/bondlock/internal/auth"
	"github.com/hashlock-labs/bondlock/internal/commitment"
	"github.com/hashlock-labs/bondlock/internal/engine"
	"github.com/hashlock-labs/bondlock/internal/escrow"
	"github.com/hashlock-labs/bondlock/internal/watch"
)

func init() {
	gin.SetMode(gin.TestMode)
}

const (
	testExpiry = int64(10_000)
	testWallet = "0x1111111111111111111111111111111111111111"
)

type apiRig struct {
	router *gin.Engine
	rdb    *redis.Client
	now    int64
}

func newAPIRig(t *testing.T) *apiRig {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	log := zap.NewNop()

	eng := engine.New(
		commitment.NewRegistry(rdb),
		escrow.NewLedger(rdb, escrow.NopExecutor{}, log),
		watch.NewRedisFundingObserver(rdb),
		engine.NewEventSink(rdb, "", log),
		log,
	)
	rig := &apiRig{rdb: rdb, now: testExpiry - 100}
	eng.Now = func() int64 { return rig.now }

	router := gin.New()
	group := router.Group("/api")
	// stand-in for the signature middleware
	group.Use(func(c *gin.Context) {
		c.Set(auth.WalletKey, testWallet)
	})
	NewHandler(eng, log).Register(group)

	rig.router = router
	return rig
}

func (r *apiRig) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.router.ServeHTTP(w, req)
	return w
}

func decodeCommitment(t *testing.T, w *httptest.ResponseRecorder) commitment.Commitment {
	t.Helper()
	var c commitment.Commitment
	if err := json.Unmarshal(w.Body.Bytes(), &c); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return c
}

func (r *apiRig) register(t *testing.T, hash string) {
	t.Helper()
	w := r.do(t, http.MethodPost, "/api/commitments", gin.H{
		"hash":         hash,
		"beneficiary":  "0x3333333333333333333333333333333333333333",
		"amount":       "100",
		"funding_sats": 50_000,
		"expiry":       testExpiry,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: %d %s", w.Code, w.Body.String())
	}
}

func (r *apiRig) fund(t *testing.T, hash common.Hash) {
	t.Helper()
	txid, _ := chainhash.NewHashFromStr(
		"3a1b872c6d9e4f0a5b8c7d2e1f0a9b8c7d6e5f4a3b2c1d0e9f8a7b6c5d4e3f2a")
	if err := watch.PutFunding(context.Background(), r.rdb, hash, watch.Funding{
		OutPoint:   wire.OutPoint{Hash: *txid, Index: 0},
		Value:      50_000,
		TimelockAt: testExpiry,
		Height:     840_000,
	}); err != nil {
		t.Fatal(err)
	}
}

func preimageHex(s string) (string, common.Hash) {
	sum := sha256.Sum256([]byte(s))
	p := commitment.Preimage(sum)
	return hex.EncodeToString(sum[:]), p.Hash()
}

func TestRegisterAndGet(t *testing.T) {
	r := newAPIRig(t)
	_, h := preimageHex("secret1")

	r.register(t, h.Hex())

	w := r.do(t, http.MethodGet, "/api/commitments/"+h.Hex(), nil)
	if w.Code != http.StatusOK {
		t.Fatalf("get: %d %s", w.Code, w.Body.String())
	}
	c := decodeCommitment(t, w)
	if c.Hash != h {
		t.Errorf("hash: got %s", c.Hash.Hex())
	}
	if c.State != commitment.StateRegistered {
		t.Errorf("state: got %d", c.State)
	}
	if c.Amount.Int64() != 100 {
		t.Errorf("amount: got %s", c.Amount)
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newAPIRig(t)
	_, h := preimageHex("secret1")

	cases := []struct {
		name string
		body gin.H
	}{
		{"short hash", gin.H{"hash": "0xdead", "beneficiary": testWallet, "amount": "100", "expiry": testExpiry}},
		{"bad beneficiary", gin.H{"hash": h.Hex(), "beneficiary": "nope", "amount": "100", "expiry": testExpiry}},
		{"zero amount", gin.H{"hash": h.Hex(), "beneficiary": testWallet, "amount": "0", "expiry": testExpiry}},
		{"missing amount", gin.H{"hash": h.Hex(), "beneficiary": testWallet, "expiry": testExpiry}},
		{"past expiry", gin.H{"hash": h.Hex(), "beneficiary": testWallet, "amount": "100", "expiry": 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := r.do(t, http.MethodPost, "/api/commitments", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("got %d %s", w.Code, w.Body.String())
			}
		})
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := newAPIRig(t)
	_, h := preimageHex("secret1")

	r.register(t, h.Hex())
	w := r.do(t, http.MethodPost, "/api/commitments", gin.H{
		"hash":        h.Hex(),
		"beneficiary": "0x3333333333333333333333333333333333333333",
		"amount":      "100",
		"expiry":      testExpiry,
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: got %d want 409", w.Code)
	}
	var resp map[string]string
	json.Unmarshal(w.Body.Bytes(), &resp) //nolint:errcheck
	if resp["code"] != "ALREADY_REGISTERED" {
		t.Errorf("code: got %q", resp["code"])
	}
}

func TestGetUnknown(t *testing.T) {
	r := newAPIRig(t)
	_, h := preimageHex("never")

	w := r.do(t, http.MethodGet, "/api/commitments/"+h.Hex(), nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("got %d want 404", w.Code)
	}
}

func TestBondFlow(t *testing.T) {
	r := newAPIRig(t)
	pHex, h := preimageHex("secret1")

	r.register(t, h.Hex())

	// not funded yet
	w := r.do(t, http.MethodPost, "/api/commitments/"+h.Hex()+"/bond", nil)
	if w.Code != http.StatusPreconditionFailed {
		t.Fatalf("unfunded bond: got %d want 412", w.Code)
	}

	r.fund(t, h)
	w = r.do(t, http.MethodPost, "/api/commitments/"+h.Hex()+"/bond", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("bond: %d %s", w.Code, w.Body.String())
	}
	c := decodeCommitment(t, w)
	if c.State != commitment.StateBonded {
		t.Fatalf("state: got %d", c.State)
	}
	if c.Solver != common.HexToAddress(testWallet) {
		t.Errorf("solver: got %s", c.Solver.Hex())
	}

	// second bond conflicts
	w = r.do(t, http.MethodPost, "/api/commitments/"+h.Hex()+"/bond", nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("double bond: got %d want 409", w.Code)
	}

	// reveal fulfills
	w = r.do(t, http.MethodPost, "/api/reveals", gin.H{"preimage": pHex})
	if w.Code != http.StatusOK {
		t.Fatalf("reveal: %d %s", w.Code, w.Body.String())
	}
	c = decodeCommitment(t, w)
	if c.State != commitment.StateFulfilled {
		t.Fatalf("state: got %d", c.State)
	}
}

func TestRevealValidation(t *testing.T) {
	r := newAPIRig(t)
	pHex, h := preimageHex("secret1")
	r.register(t, h.Hex())
	r.fund(t, h)
	r.do(t, http.MethodPost, "/api/commitments/"+h.Hex()+"/bond", nil)

	// not 32 bytes
	w := r.do(t, http.MethodPost, "/api/reveals", gin.H{"preimage": "deadbeef"})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("short preimage: got %d want 400", w.Code)
	}

	// preimage does not hash to the stated commitment
	otherHex, _ := preimageHex("other")
	w = r.do(t, http.MethodPost, "/api/reveals", gin.H{"preimage": otherHex, "hash": h.Hex()})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("mismatched preimage: got %d want 400", w.Code)
	}

	// explicit hash form works
	w = r.do(t, http.MethodPost, "/api/reveals", gin.H{"preimage": pHex, "hash": h.Hex()})
	if w.Code != http.StatusOK {
		t.Fatalf("reveal with hash: %d %s", w.Code, w.Body.String())
	}
}

func TestSweepEndpoint(t *testing.T) {
	r := newAPIRig(t)
	_, h := preimageHex("secret1")
	r.register(t, h.Hex())

	r.now = testExpiry
	w := r.do(t, http.MethodPost, "/api/sweep", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("sweep: %d %s", w.Code, w.Body.String())
	}
	var resp map[string]int
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp["swept"] != 1 {
		t.Fatalf("swept: got %d want 1", resp["swept"])
	}

	w = r.do(t, http.MethodGet, "/api/commitments/"+h.Hex(), nil)
	if c := decodeCommitment(t, w); c.State != commitment.StateAbandoned {
		t.Fatalf("state after sweep: got %d", c.State)
	}
}

func TestExpiredRevealGone(t *testing.T) {
	r := newAPIRig(t)
	pHex, h := preimageHex("secret1")
	r.register(t, h.Hex())
	r.fund(t, h)
	r.do(t, http.MethodPost, "/api/commitments/"+h.Hex()+"/bond", nil)

	r.now = testExpiry
	w := r.do(t, http.MethodPost, "/api/reveals", gin.H{"preimage": pHex})
	if w.Code != http.StatusGone {
		t.Fatalf("expired reveal: got %d want 410", w.Code)
	}
}
