package main

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveCacheHitSkipsRemote(t *testing.T) {
	c := testCache(t)
	gw := newMemGateway()
	require.NoError(t, c.PutEntity(KindCategory, "Groceries", "12"))

	r := newResolver(c, gw, defaultConfig(), testLogger())
	id, err := r.Resolve(context.Background(), KindCategory, "Groceries")
	require.NoError(t, err)
	require.Equal(t, "12", id)
	require.Zero(t, gw.lookups)
	require.Zero(t, gw.creates)
}

func TestResolveCreatesOnceAndPersists(t *testing.T) {
	c := testCache(t)
	gw := newMemGateway()
	r := newResolver(c, gw, defaultConfig(), testLogger())

	id, err := r.Resolve(context.Background(), KindExpenseAccount, "Corner Shop")
	require.NoError(t, err)
	require.Equal(t, 1, gw.creates)

	again, err := r.Resolve(context.Background(), KindExpenseAccount, "Corner Shop")
	require.NoError(t, err)
	require.Equal(t, id, again)
	require.Equal(t, 1, gw.creates)
	require.Equal(t, 1, gw.lookups)

	// The mapping is durable, not per-resolver.
	fresh := newResolver(c, newMemGateway(), defaultConfig(), testLogger())
	cached, err := fresh.Resolve(context.Background(), KindExpenseAccount, "Corner Shop")
	require.NoError(t, err)
	require.Equal(t, id, cached)
}

func TestResolveAdoptsExistingRemote(t *testing.T) {
	c := testCache(t)
	gw := newMemGateway()
	ent, err := gw.CreateEntity(context.Background(), EntitySpec{Kind: KindBudget, Name: "Groceries", Active: true})
	require.NoError(t, err)
	gw.creates = 0

	r := newResolver(c, gw, defaultConfig(), testLogger())
	id, err := r.Resolve(context.Background(), KindBudget, "Groceries")
	require.NoError(t, err)
	require.Equal(t, ent.ID, id)
	require.Zero(t, gw.creates)
}

func TestResolveConcurrentSingleCreate(t *testing.T) {
	c := testCache(t)
	gw := newMemGateway()
	r := newResolver(c, gw, defaultConfig(), testLogger())

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id, err := r.Resolve(context.Background(), KindRevenueAccount, "Employer")
			require.NoError(t, err)
			ids[i] = id
		}(i)
	}
	wg.Wait()

	require.Equal(t, 1, gw.creates)
	for _, id := range ids {
		require.Equal(t, ids[0], id)
	}
}

func TestResolveAssetAccountSpec(t *testing.T) {
	cfg := defaultConfig()
	cfg.Accounts = map[string]accountConfig{
		"Visa": {Role: "credit_card", Currency: "CAD"},
	}
	c := testCache(t)
	gw := newMemGateway()
	r := newResolver(c, gw, cfg, testLogger())
	r.SetOpening("Visa", day(t, "2020-12-31"), dec(t, "-250"))

	spec := r.spec(KindAssetAccount, "Visa")
	require.Equal(t, "ccAsset", spec.Role)
	require.Equal(t, "CAD", spec.Currency)
	require.Equal(t, "-250", spec.OpeningBalance.String())
	require.Equal(t, day(t, "2020-12-31"), spec.OpeningDate)

	// Unconfigured accounts fall back to the run currency.
	spec = r.spec(KindAssetAccount, "Checking")
	require.Equal(t, "defaultAsset", spec.Role)
	require.Equal(t, "USD", spec.Currency)
}
