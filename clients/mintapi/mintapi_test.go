package mintapi

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"nutwallet/cashu"
)

const testKeysetID = "00ad268c4d1f5826"

type fakeIssuer struct {
	t   *testing.T
	key *ecdsaKey
	srv *httptest.Server

	mu          sync.Mutex
	down        bool
	spent       map[string]bool
	meltOptions map[string]any
	calls       map[string]int
}

type ecdsaKey struct {
	d   []byte
	pub string
}

func newFakeIssuer(t *testing.T) *fakeIssuer {
	t.Helper()
	priv, err := crypto.GenerateKey()
	require.NoError(t, err)
	f := &fakeIssuer{
		t:     t,
		key:   &ecdsaKey{d: priv.D.Bytes(), pub: hex.EncodeToString(crypto.CompressPubkey(&priv.PublicKey))},
		spent: make(map[string]bool),
		calls: make(map[string]int),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/info", f.handleInfo)
	mux.HandleFunc("/v1/keysets", f.handleKeysets)
	mux.HandleFunc("/v1/keys/", f.handleKeys)
	mux.HandleFunc("/v1/mint/quote/bolt11", f.handleMintQuote)
	mux.HandleFunc("/v1/mint/bolt11", f.handleMint)
	mux.HandleFunc("/v1/melt/quote/bolt11", f.handleMeltQuote)
	mux.HandleFunc("/v1/melt/bolt11", f.handleMelt)
	mux.HandleFunc("/v1/swap", f.handleSwap)
	mux.HandleFunc("/v1/checkstate", f.handleCheckState)
	mux.HandleFunc("/v1/ws", f.handleWS)
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.calls[r.URL.Path]++
		down := f.down
		f.mu.Unlock()
		if down {
			http.Error(w, "maintenance", http.StatusServiceUnavailable)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeIssuer) url() cashu.IssuerURL { return cashu.MustIssuerURL(f.srv.URL) }

func (f *fakeIssuer) keyset() cashu.Keyset {
	keys := make(map[uint64]string)
	for amount := uint64(1); amount <= 1024; amount <<= 1 {
		keys[amount] = f.key.pub
	}
	return cashu.Keyset{ID: testKeysetID, Unit: "sat", Active: true, InputFeePPK: 100, Keys: keys}
}

func (f *fakeIssuer) sign(outputs []cashu.BlindedMessage) []cashu.BlindedSignature {
	f.t.Helper()
	curve := crypto.S256()
	out := make([]cashu.BlindedSignature, 0, len(outputs))
	for _, o := range outputs {
		b, err := cashu.ParsePoint(o.B)
		require.NoError(f.t, err)
		x, y := curve.ScalarMult(b.X, b.Y, f.key.d)
		out = append(out, cashu.BlindedSignature{
			Amount:   o.Amount,
			KeysetID: o.KeysetID,
			C:        hex.EncodeToString(cashu.Point{X: x, Y: y}.Compressed()),
		})
	}
	return out
}

// verify checks a proof signature the way the issuer would on redemption.
func (f *fakeIssuer) verify(t *testing.T, p cashu.Proof) {
	t.Helper()
	y, err := cashu.HashToCurve([]byte(p.Secret))
	require.NoError(t, err)
	x, yy := crypto.S256().ScalarMult(y.X, y.Y, f.key.d)
	require.Equal(t, hex.EncodeToString(cashu.Point{X: x, Y: yy}.Compressed()), p.C)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (f *fakeIssuer) handleInfo(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fake",
		"version": "fake/0.1",
		"nuts": map[string]any{
			"7":  map[string]any{"supported": true},
			"15": map[string]any{"methods": []map[string]string{{"method": "bolt11", "unit": "sat"}}},
			"17": map[string]any{"supported": []map[string]any{{"method": "bolt11", "unit": "sat", "commands": []string{kindMintQuote}}}},
		},
	})
}

func (f *fakeIssuer) handleKeysets(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keysets": []map[string]any{
		{"id": testKeysetID, "unit": "sat", "active": true, "input_fee_ppk": 100},
		{"id": "009a1f293253e41e", "unit": "sat", "active": false},
	}})
}

func (f *fakeIssuer) handleKeys(w http.ResponseWriter, _ *http.Request) {
	ks := f.keyset()
	keys := make(map[string]string, len(ks.Keys))
	for amount, k := range ks.Keys {
		keys[jsonUint(amount)] = k
	}
	writeJSON(w, http.StatusOK, map[string]any{"keysets": []map[string]any{{"id": ks.ID, "unit": "sat", "keys": keys}}})
}

func jsonUint(v uint64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func (f *fakeIssuer) handleMintQuote(w http.ResponseWriter, r *http.Request) {
	var req mintQuoteRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	if req.Amount == 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "amount must be positive", Code: CodeInvalidInputs})
		return
	}
	writeJSON(w, http.StatusOK, mintQuoteResponse{Quote: "mq-1", Request: "lnbc1...", Unit: req.Unit, State: "UNPAID", Expiry: 1714570000})
}

func (f *fakeIssuer) handleMint(w http.ResponseWriter, r *http.Request) {
	var req mintRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	writeJSON(w, http.StatusOK, signaturesResponse{Signatures: f.sign(req.Outputs)})
}

func (f *fakeIssuer) handleMeltQuote(w http.ResponseWriter, r *http.Request) {
	var req map[string]any
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	f.meltOptions = nil
	if opts, ok := req["options"].(map[string]any); ok {
		f.meltOptions = opts
	}
	f.mu.Unlock()
	writeJSON(w, http.StatusOK, meltQuoteResponse{Quote: "melt-1", Amount: 100, FeeReserve: 4, State: "UNPAID", Expiry: 1714570000})
}

func (f *fakeIssuer) handleMelt(w http.ResponseWriter, r *http.Request) {
	var req meltRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	if req.Quote == "expired" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "quote expired", Code: CodeQuoteExpired})
		return
	}
	// One sat of the four sat reserve was used; three come back as 2 + 1.
	blanks := req.Outputs[:2]
	blanks[0].Amount, blanks[1].Amount = 2, 1
	writeJSON(w, http.StatusOK, meltQuoteResponse{
		Quote:    req.Quote,
		Amount:   100,
		State:    "PAID",
		Preimage: "00ff",
		Change:   f.sign(blanks),
	})
}

func (f *fakeIssuer) handleSwap(w http.ResponseWriter, r *http.Request) {
	var req swapRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range req.Inputs {
		if f.spent[p.Secret] {
			writeJSON(w, http.StatusBadRequest, errorResponse{Detail: "Token already spent.", Code: CodeTokenSpent})
			return
		}
	}
	for _, p := range req.Inputs {
		f.spent[p.Secret] = true
	}
	writeJSON(w, http.StatusOK, signaturesResponse{Signatures: f.sign(req.Outputs)})
}

func (f *fakeIssuer) handleCheckState(w http.ResponseWriter, r *http.Request) {
	var req checkStateRequest
	require.NoError(f.t, json.NewDecoder(r.Body).Decode(&req))
	states := make([]map[string]string, 0, len(req.Ys))
	for i, y := range req.Ys {
		state := "UNSPENT"
		if i == 0 {
			state = "SPENT"
		}
		states = append(states, map[string]string{"Y": y, "state": state})
	}
	writeJSON(w, http.StatusOK, map[string]any{"states": states})
}

func (f *fakeIssuer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	ctx := r.Context()
	_, data, err := conn.Read(ctx)
	if err != nil {
		return
	}
	var req rpcRequest
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}
	if req.Params.Kind != kindMintQuote {
		reply, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "error": map[string]any{"code": -32602, "message": "unsupported kind"}})
		_ = conn.Write(ctx, websocket.MessageText, reply)
		return
	}
	reply, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": map[string]string{"status": "OK", "subId": req.Params.SubID}})
	_ = conn.Write(ctx, websocket.MessageText, reply)
	for _, state := range []string{"UNPAID", "PAID"} {
		payload, _ := json.Marshal(mintQuoteResponse{Quote: req.Params.Filters[0], Request: "lnbc1...", State: state, Expiry: 1714570000})
		note, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"method":  "subscribe",
			"params":  map[string]any{"subId": req.Params.SubID, "payload": json.RawMessage(payload)},
		})
		if err := conn.Write(ctx, websocket.MessageText, note); err != nil {
			return
		}
	}
	// Hold the stream open until the client unsubscribes or hangs up.
	_, _, _ = conn.Read(ctx)
}

func newTestClient() *Client {
	return New(Config{Timeout: 2 * time.Second},
		WithClock(func() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }))
}

func TestInfoAndKeysetDiscovery(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx := context.Background()

	info, err := c.Info(ctx, f.url())
	require.NoError(t, err)
	require.Equal(t, "fake", info.Name)
	require.True(t, info.MPP)
	require.True(t, info.WebSockets)

	keysets, err := c.Keysets(ctx, f.url())
	require.NoError(t, err)
	require.Len(t, keysets, 2)
	require.True(t, keysets[0].Active)
	require.Equal(t, uint64(100), keysets[0].InputFeePPK)
	require.False(t, keysets[1].Active)

	ks, err := c.Keys(ctx, f.url(), testKeysetID)
	require.NoError(t, err)
	require.Len(t, ks.Keys, 11)
	require.Equal(t, f.key.pub, ks.Keys[64])
}

func TestMintProducesVerifiableProofs(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx := context.Background()

	q, err := c.CreateMintQuote(ctx, f.url(), 13, "sat")
	require.NoError(t, err)
	require.Equal(t, "mq-1", q.ID)
	require.Equal(t, uint64(13), q.Amount)
	require.Equal(t, cashu.MintQuoteUnpaid, q.State)
	require.Equal(t, time.Unix(1714570000, 0).UTC(), q.Expiry)

	proofs, err := c.Mint(ctx, f.url(), q.ID, 13, f.keyset())
	require.NoError(t, err)
	require.Equal(t, uint64(13), proofs.Amount())
	require.Len(t, proofs, 3)
	for _, p := range proofs {
		f.verify(t, p)
	}
}

func TestIssuerErrorCodesMapOntoTaxonomy(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx := context.Background()

	_, err := c.CreateMintQuote(ctx, f.url(), 0, "sat")
	require.True(t, errors.Is(err, cashu.ErrInvalidInput))
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, CodeInvalidInputs, apiErr.Code)

	_, err = c.Melt(ctx, f.url(), cashu.MeltQuote{ID: "expired"}, nil, f.keyset())
	require.True(t, errors.Is(err, cashu.ErrQuoteExpired))

	proofs, err := c.Mint(ctx, f.url(), "mq-1", 4, f.keyset())
	require.NoError(t, err)
	_, err = c.Swap(ctx, f.url(), proofs, []uint64{4}, f.keyset())
	require.NoError(t, err)
	_, err = c.Swap(ctx, f.url(), proofs, []uint64{4}, f.keyset())
	require.True(t, errors.Is(err, cashu.ErrInvalidInput))
	require.False(t, errors.Is(err, cashu.ErrIssuerUnreachable))
}

func TestServerErrorsAreUnreachable(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	f.mu.Lock()
	f.down = true
	f.mu.Unlock()

	_, err := c.Info(context.Background(), f.url())
	require.True(t, errors.Is(err, cashu.ErrIssuerUnreachable))

	f.srv.Close()
	_, err = c.Keysets(context.Background(), f.url())
	require.True(t, errors.Is(err, cashu.ErrIssuerUnreachable))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Keysets(ctx, f.url())
	require.ErrorIs(t, err, context.Canceled)
}

func TestMeltSendsBlankOutputsAndUnblindsChange(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx := context.Background()

	q, err := c.CreateMeltQuote(ctx, f.url(), cashu.MeltQuoteRequest{Request: "lnbc100n1...", PartialAmount: 60})
	require.NoError(t, err)
	require.Equal(t, "lnbc100n1...", q.Request)
	require.Equal(t, uint64(104), q.Total())
	f.mu.Lock()
	require.Equal(t, map[string]any{"mpp": map[string]any{"amount": float64(60000)}}, f.meltOptions)
	f.mu.Unlock()

	inputs, err := c.Mint(ctx, f.url(), "mq-1", 104, f.keyset())
	require.NoError(t, err)
	result, err := c.Melt(ctx, f.url(), q, inputs, f.keyset())
	require.NoError(t, err)
	require.True(t, result.Paid())
	require.Equal(t, "00ff", result.Preimage)
	require.Equal(t, uint64(3), result.Change.Amount())
	for _, p := range result.Change {
		f.verify(t, p)
	}
}

func TestCheckStateMapsYBackToSecret(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx := context.Background()

	proofs, err := c.Mint(ctx, f.url(), "mq-1", 3, f.keyset())
	require.NoError(t, err)
	states, err := c.CheckState(ctx, f.url(), proofs)
	require.NoError(t, err)
	require.Len(t, states, 2)
	spent, pending, unspent := cashu.PartitionStates(proofs, states)
	require.Equal(t, cashu.Proofs{proofs[0]}, spent)
	require.Empty(t, pending)
	require.Equal(t, cashu.Proofs{proofs[1]}, unspent)
}

func TestRateLimiterPacesRequests(t *testing.T) {
	f := newFakeIssuer(t)
	c := New(Config{Timeout: time.Second, RequestsPerSecond: 20, Burst: 1})
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := c.Info(ctx, f.url())
		require.NoError(t, err)
	}
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestSubscribeMintQuoteStreamsUpdates(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	updates, err := c.SubscribeMintQuote(ctx, f.url(), "mq-1")
	require.NoError(t, err)
	first := <-updates
	require.Equal(t, "mq-1", first.ID)
	require.Equal(t, cashu.MintQuoteUnpaid, first.State)
	second := <-updates
	require.Equal(t, cashu.MintQuotePaid, second.State)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-updates:
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSubscribeRejectedKindReturnsError(t *testing.T) {
	f := newFakeIssuer(t)
	c := newTestClient()
	_, err := c.SubscribeMeltQuote(context.Background(), f.url(), "melt-1")
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	require.Equal(t, -32602, apiErr.Code)
}

func TestWebsocketURL(t *testing.T) {
	require.Equal(t, "wss://mint.example.com/v1/ws", websocketURL(cashu.MustIssuerURL("https://mint.example.com")))
	require.Equal(t, "ws://127.0.0.1:3338/cashu/v1/ws", websocketURL(cashu.MustIssuerURL("http://127.0.0.1:3338/cashu/")))
}
