package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"testing"
	"time"
)

func TestSignSortsParamsAndAppendsSignature(t *testing.T) {
	t.Parallel()

	s := NewSigner("key", "secret", 60000)
	s.now = func() time.Time { return time.UnixMilli(1700000000000) }

	params := url.Values{}
	params.Set("symbol", "BTCUSDT")
	params.Set("side", "BUY")
	params.Set("quantity", "0.5")

	query := s.Sign(params)

	payload, sig, ok := strings.Cut(query, "&signature=")
	if !ok {
		t.Fatalf("Sign: no signature in %q", query)
	}
	want := "quantity=0.5&recvWindow=60000&side=BUY&symbol=BTCUSDT&timestamp=1700000000000"
	if payload != want {
		t.Errorf("Sign payload = %q, want %q", payload, want)
	}

	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write([]byte(want))
	if got := hex.EncodeToString(mac.Sum(nil)); sig != got {
		t.Errorf("Sign signature = %q, want %q", sig, got)
	}
}

func TestSignDoesNotMutateInput(t *testing.T) {
	t.Parallel()

	s := NewSigner("key", "secret", 5000)
	params := url.Values{}
	params.Set("symbol", "ETHUSDT")
	s.Sign(params)

	if params.Get("timestamp") != "" || params.Get("signature") != "" {
		t.Errorf("Sign mutated caller params: %v", params)
	}
}

func TestSignerDefaultsRecvWindow(t *testing.T) {
	t.Parallel()

	s := NewSigner("key", "secret", 0)
	query := s.Sign(url.Values{})
	if !strings.Contains(query, "recvWindow=5000") {
		t.Errorf("Sign = %q, want recvWindow=5000 default", query)
	}
}

func TestCanonicalQueryEscapes(t *testing.T) {
	t.Parallel()

	params := url.Values{}
	params.Set("newClientOrderId", "sync-pnl-42")
	params.Set("symbol", "BTCUSDT")

	got := canonicalQuery(params)
	want := "newClientOrderId=sync-pnl-42&symbol=BTCUSDT"
	if got != want {
		t.Errorf("canonicalQuery = %q, want %q", got, want)
	}
}
