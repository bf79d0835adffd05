package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestChainFallsBackOnPrimaryFailure(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"general reply"}`))
	}))
	defer good.Close()

	chain := NewChain("sorry, I didn't catch that",
		NewHTTPStrategy("primary", bad.URL, ""),
		NewHTTPStrategy("general", good.URL, ""))

	reply := chain.GenerateReply(context.Background(), "be helpful", "what's up")
	assert.Equal(t, "general reply", reply)
}

func TestChainReturnsApologyWhenAllFail(t *testing.T) {
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer bad.Close()

	chain := NewChain("sorry, I didn't catch that", NewHTTPStrategy("primary", bad.URL, ""))
	reply := chain.GenerateReply(context.Background(), "be helpful", "what's up")
	assert.Equal(t, "sorry, I didn't catch that", reply)
}

func TestChainUsesFirstNonEmptyResult(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"text":"primary reply"}`))
	}))
	defer primary.Close()

	chain := NewChain("apology", NewHTTPStrategy("primary", primary.URL, ""))
	reply := chain.GenerateReply(context.Background(), "instructions", "hi")
	assert.Equal(t, "primary reply", reply)
}
