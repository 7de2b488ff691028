package ypriceapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

var testToken = common.HexToAddress("0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2")

func TestNilClientIsNoOp(t *testing.T) {
	var c *Client
	p, ok, err := c.Price(context.Background(), testToken, 100)
	if err != nil || ok || !p.IsZero() {
		t.Fatalf("nil client = (%s, %v, %v)", p, ok, err)
	}
	if New(Config{}) != nil {
		t.Fatal("empty URL produced a live client")
	}
}

func TestPriceRequestShape(t *testing.T) {
	var gotPath, gotSigner, gotSig, gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.RawQuery
		gotSigner = r.Header.Get("X-Signer")
		gotSig = r.Header.Get("X-Signature")
		w.Write([]byte(`{"price": "1234.56"}`))
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL + "/", ChainID: 1, Signer: "0xabc", Signature: "sig"})
	p, ok, err := c.Price(context.Background(), testToken, 15_000_000)
	if err != nil || !ok {
		t.Fatalf("price: %v", err)
	}
	if !p.Equal(decimal.RequireFromString("1234.56")) {
		t.Fatalf("price = %s", p)
	}
	if want := "/get_price/1/" + testToken.Hex(); gotPath != want {
		t.Fatalf("path = %s, want %s", gotPath, want)
	}
	if gotQuery != "block=15000000" {
		t.Fatalf("query = %s", gotQuery)
	}
	if gotSigner != "0xabc" || gotSig != "sig" {
		t.Fatalf("auth headers = %q %q", gotSigner, gotSig)
	}
}

func TestNotFoundMeansNoPrice(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.NotFound(w, r)
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL, ChainID: 1})
	p, ok, err := c.Price(context.Background(), testToken, 100)
	if err != nil {
		t.Fatalf("404 surfaced as error: %v", err)
	}
	if ok || !p.IsZero() {
		t.Fatalf("404 produced a price: %s", p)
	}
	// Definitive answer, no retries.
	if n := atomic.LoadInt32(&hits); n != 1 {
		t.Fatalf("404 retried: %d requests", n)
	}
}

func TestRetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(`{"price": "7"}`))
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL, ChainID: 1})
	c.backoff = time.Millisecond
	p, ok, err := c.Price(context.Background(), testToken, 100)
	if err != nil || !ok {
		t.Fatalf("price after retries: %v", err)
	}
	if !p.Equal(decimal.NewFromInt(7)) {
		t.Fatalf("price = %s", p)
	}
	if n := atomic.LoadInt32(&hits); n != 3 {
		t.Fatalf("server saw %d requests, want 3", n)
	}
}

func TestRetriesExhaust(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL, ChainID: 1})
	c.backoff = time.Millisecond
	_, ok, err := c.Price(context.Background(), testToken, 100)
	if err == nil || ok {
		t.Fatal("exhausted retries reported success")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("err = %v", err)
	}
}

func TestZeroPriceIsMiss(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"price": "0"}`))
	}))
	defer srv.Close()
	c := New(Config{URL: srv.URL, ChainID: 1})
	_, ok, err := c.Price(context.Background(), testToken, 100)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("zero answer treated as a price")
	}
}
