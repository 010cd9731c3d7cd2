package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestVerifyConnectionSendsBearerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.Equal(t, "/api/v1/about/user", r.URL.Path)
		fmt.Fprint(w, `{"data":{"id":"1","attributes":{"email":"me@example.org"}}}`)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 1, testLogger())
	email, err := c.VerifyConnection(context.Background())
	require.NoError(t, err)
	require.Equal(t, "me@example.org", email)
}

func TestDoRetriesTransientFailures(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"data":{"id":"1","attributes":{"email":"me@example.org"}}}`)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 3, testLogger())
	_, err := c.VerifyConnection(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestDoDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		http.Error(w, `{"message":"bad token"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 3, testLogger())
	_, err := c.VerifyConnection(context.Background())
	require.Error(t, err)
	require.False(t, isTransient(err))
	require.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func categoriesPage(page int) string {
	type item struct {
		ID         string            `json:"id"`
		Attributes map[string]interface{} `json:"attributes"`
	}
	pages := map[int][]item{
		1: {{ID: "10", Attributes: map[string]interface{}{"name": "Groceries", "active": true}}},
		2: {{ID: "11", Attributes: map[string]interface{}{"name": "Dining", "active": true}}},
	}
	out, _ := json.Marshal(map[string]interface{}{
		"data": pages[page],
		"meta": map[string]interface{}{
			"pagination": map[string]int{"current_page": page, "total_pages": 2},
		},
	})
	return string(out)
}

func TestLookupEntityWalksAllPages(t *testing.T) {
	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/categories", r.URL.Path)
		atomic.AddInt32(&fetches, 1)
		page := 1
		if r.URL.Query().Get("page") == "2" {
			page = 2
		}
		fmt.Fprint(w, categoriesPage(page))
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 1, testLogger())
	ent, err := c.LookupEntity(context.Background(), KindCategory, "Dining")
	require.NoError(t, err)
	require.NotNil(t, ent)
	require.Equal(t, "11", ent.ID)

	// The listing is indexed once; further lookups cost nothing.
	missing, err := c.LookupEntity(context.Background(), KindCategory, "Unknown")
	require.NoError(t, err)
	require.Nil(t, missing)
	require.EqualValues(t, 2, atomic.LoadInt32(&fetches))
}

func TestLookupEntityAmbiguous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[
			{"id":"1","attributes":{"name":"Groceries","active":true}},
			{"id":"2","attributes":{"name":"Groceries","active":false}}],
			"meta":{"pagination":{"current_page":1,"total_pages":1}}}`)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 1, testLogger())
	_, err := c.LookupEntity(context.Background(), KindBudget, "Groceries")
	var rerr *ResolutionError
	require.ErrorAs(t, err, &rerr)
	require.Equal(t, KindBudget, rerr.Kind)
}

func TestCreateTransactionPayload(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/v1/transactions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		fmt.Fprint(w, `{"data":{"id":"99","attributes":{}}}`)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 1, testLogger())
	sub := &Submission{
		Key: "Checking|2021-01-02|-52.17|Paid in EUR 45.00|0",
		Splits: []SubmissionSplit{{
			Type:            "withdrawal",
			Date:            time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC),
			Amount:          mustDec("52.17"),
			Description:     "Hotel",
			SourceID:        "3",
			DestinationID:   "8",
			CategoryName:    "Travel",
			BudgetName:      "Travel",
			ForeignAmount:   mustDec("45.00"),
			ForeignCurrency: "EUR",
			ExternalID:      "Checking|2021-01-02|-52.17|Paid in EUR 45.00|0",
			Reconciled:      true,
			Tags:            []string{"import-abc123"},
		}},
	}
	id, err := c.CreateTransaction(context.Background(), sub)
	require.NoError(t, err)
	require.Equal(t, "99", id)

	require.Equal(t, false, got["apply_rules"])
	require.Equal(t, false, got["error_if_duplicate_hash"])
	splits := got["transactions"].([]interface{})
	require.Len(t, splits, 1)
	split := splits[0].(map[string]interface{})
	require.Equal(t, "withdrawal", split["type"])
	require.Equal(t, "52.17", split["amount"])
	require.Equal(t, "45.00", split["foreign_amount"])
	require.Equal(t, "EUR", split["foreign_currency_code"])
	require.Equal(t, "2021-01-02", split["date"])
	require.Equal(t, true, split["reconciled"])
}

func TestAccountBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/accounts/3", r.URL.Path)
		require.Equal(t, "2021-01-02", r.URL.Query().Get("date"))
		fmt.Fprint(w, `{"data":{"id":"3","attributes":{"name":"Checking","active":true,"current_balance":"47.83"}}}`)
	}))
	defer srv.Close()

	c := newFireflyClient(srv.URL, "secret", 1, testLogger())
	bal, err := c.AccountBalance(context.Background(), "3", time.Date(2021, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Equal(t, "47.83", bal.String())
}
