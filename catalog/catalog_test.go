package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/NuGet/Insights-sub012/insights_errors"
	"github.com/NuGet/Insights-sub012/utils"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ts(minute int) Time {
	return Time{time.Date(2020, 1, 1, 0, minute, 0, 0, time.UTC)}
}

func TestNormalizeVersion(t *testing.T) {
	cases := map[string]string{
		"1.0":                "1.0.0",
		"01.02.03":           "1.2.3",
		"1.2.3.0":            "1.2.3",
		"1.2.3.4":            "1.2.3.4",
		"1.0.0-Beta+build.5": "1.0.0-Beta",
		"2.0.0-rc.1":         "2.0.0-rc.1",
	}
	for in, want := range cases {
		got, err := NormalizeVersion(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	lower, err := LowerNormalizedVersion("1.0.0-BETA")
	require.NoError(t, err)
	assert.Equal(t, "1.0.0-beta", lower)

	for _, bad := range []string{"", "1", "1.2.3.4.5", "a.b", "1.0-", "1.0+"} {
		_, err := ParseVersion(bad)
		assert.Error(t, err, bad)
	}
}

func TestVersionCompare(t *testing.T) {
	ordered := []string{"1.0.0-alpha", "1.0.0-alpha.1", "1.0.0-alpha.beta", "1.0.0-BETA", "1.0.0-beta.2", "1.0.0-beta.11", "1.0.0-rc.1", "1.0.0", "1.0.0.1", "1.10.0"}
	for i := 1; i < len(ordered); i++ {
		a, err := ParseVersion(ordered[i-1])
		require.NoError(t, err)
		b, err := ParseVersion(ordered[i])
		require.NoError(t, err)
		assert.Equal(t, -1, a.Compare(b), "%s < %s", ordered[i-1], ordered[i])
		assert.Equal(t, 1, b.Compare(a))
	}
	a, _ := ParseVersion("1.0.0+a")
	b, _ := ParseVersion("1.0.0+b")
	assert.Equal(t, 0, a.Compare(b))
	assert.True(t, a.IsSemVer2())
}

func TestGetPagesInBounds(t *testing.T) {
	index := &Index{Items: []PageItem{
		{URL: "p3", CommitTimestamp: ts(30)},
		{URL: "p1", CommitTimestamp: ts(10)},
		{URL: "p2", CommitTimestamp: ts(20)},
		{URL: "p4", CommitTimestamp: ts(40)},
	}}

	pages := GetPagesInBounds(index, ts(10).Time, ts(25).Time)
	require.Len(t, pages, 2)
	assert.Equal(t, "p2", pages[0].URL)
	assert.Equal(t, 1, pages[0].Rank)
	// the first page past the upper bound is included
	assert.Equal(t, "p3", pages[1].URL)
	assert.Equal(t, 2, pages[1].Rank)

	pages = GetPagesInBounds(index, ts(0).Time, ts(40).Time)
	assert.Len(t, pages, 4)
	assert.Empty(t, GetPagesInBounds(index, ts(40).Time, ts(50).Time))
}

func TestGetLeavesInBounds(t *testing.T) {
	page := &Page{Items: []LeafItem{
		{URL: "l4", Type: "nuget:PackageDetails", CommitTimestamp: ts(2), PackageID: "B", PackageVersion: "1.0.0"},
		{URL: "l1", Type: "nuget:PackageDetails", CommitTimestamp: ts(1), PackageID: "A", PackageVersion: "1.0.0"},
		{URL: "l2", Type: "nuget:PackageDetails", CommitTimestamp: ts(1), PackageID: "a", PackageVersion: "1.0.0-beta"},
		{URL: "l3", Type: "nuget:PackageDelete", CommitTimestamp: ts(2), PackageID: "a", PackageVersion: "1.0"},
		{URL: "l5", Type: "nuget:PackageDetails", CommitTimestamp: ts(9), PackageID: "C", PackageVersion: "1.0.0"},
	}}

	all, err := GetLeavesInBounds(page, ts(0).Time, ts(5).Time, false)
	require.NoError(t, err)
	var urls []string
	for _, l := range all {
		urls = append(urls, l.URL)
	}
	assert.Equal(t, []string{"l2", "l1", "l3", "l4"}, urls)
	assert.Equal(t, 0, all[1].Rank)

	latest, err := GetLeavesInBounds(page, ts(0).Time, ts(5).Time, true)
	require.NoError(t, err)
	urls = nil
	for _, l := range latest {
		urls = append(urls, l.URL)
	}
	// l1 is superseded by the delete of the same identity
	assert.Equal(t, []string{"l2", "l3", "l4"}, urls)

	lower, err := GetLeavesInBounds(page, ts(1).Time, ts(9).Time, false)
	require.NoError(t, err)
	assert.Len(t, lower, 3)
}

func TestLeaf_TypeAndListed(t *testing.T) {
	var leaf Leaf
	require.NoError(t, json.Unmarshal([]byte(`{
		"@id": "https://example/leaf.json",
		"@type": ["PackageDetails", "catalog:Permalink"],
		"catalog:commitTimeStamp": "2015-02-01T06:22:45.8488496",
		"id": "AntiXSS",
		"version": "4.0.1",
		"published": "1900-01-01T00:00:00Z"
	}`), &leaf))
	lt, err := leaf.LeafType()
	require.NoError(t, err)
	assert.Equal(t, PackageDetails, lt)
	assert.False(t, leaf.IsListed())
	assert.Equal(t, time.Date(2015, 2, 1, 6, 22, 45, 848849600, time.UTC), leaf.CommitTimestamp.Time)

	listed := true
	leaf.Listed = &listed
	assert.True(t, leaf.IsListed())

	_, err = ParseLeafType("nuget:Something")
	assert.ErrorIs(t, err, insights_errors.ErrUnknownLeafType)
}

func TestClient_GivesUpAfterMaxRetries(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewClient(ClientConfig{
		IndexURL:   srv.URL + "/index.json",
		MaxRetries: 1,
		RateLimit:  1000,
		Clock:      clk,
		Logger:     utils.Discard,
	})
	errc := make(chan error, 1)
	go func() {
		_, err := c.GetIndex(context.Background())
		errc <- err
	}()
	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, 5*time.Second, 1))
	err := <-errc
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max retries exceeded")
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_RetriesAndCaches(t *testing.T) {
	var pageHits, flaky atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, r *http.Request) {
		if flaky.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		fmt.Fprint(w, `{"commitTimeStamp":"2020-01-01T00:05:00Z","items":[{"@id":"page0","commitTimeStamp":"2020-01-01T00:05:00Z","count":1}]}`)
	})
	mux.HandleFunc("/page0.json", func(w http.ResponseWriter, r *http.Request) {
		pageHits.Add(1)
		fmt.Fprint(w, `{"commitTimeStamp":"2020-01-01T00:05:00Z","items":[]}`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	clk := testclock.NewClock(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	c := NewClient(ClientConfig{
		IndexURL:  srv.URL + "/index.json",
		RateLimit: 1000,
		RateBurst: 100,
		Clock:     clk,
		Logger:    utils.Discard,
	})
	ctx := context.Background()

	type result struct {
		index *Index
		err   error
	}
	got := make(chan result, 1)
	go func() {
		index, err := c.GetIndex(ctx)
		got <- result{index, err}
	}()
	// the backoff doubles and only the injected clock moves it along
	require.NoError(t, clk.WaitAdvance(100*time.Millisecond, 5*time.Second, 1))
	require.NoError(t, clk.WaitAdvance(200*time.Millisecond, 5*time.Second, 1))
	r := <-got
	require.NoError(t, r.err)
	assert.Len(t, r.index.Items, 1)
	assert.Equal(t, int32(3), flaky.Load())

	_, err = c.GetPage(ctx, srv.URL+"/page0.json", ts(5).Time)
	require.NoError(t, err)
	_, err = c.GetPage(ctx, srv.URL+"/page0.json", ts(4).Time)
	require.NoError(t, err)
	assert.Equal(t, int32(1), pageHits.Load())

	// a newer bound needs a fresh copy
	_, err = c.GetPage(ctx, srv.URL+"/page0.json", ts(6).Time)
	require.NoError(t, err)
	assert.Equal(t, int32(2), pageHits.Load())

	_, err = c.GetLeaf(ctx, srv.URL+"/missing.json")
	assert.ErrorIs(t, err, insights_errors.ErrNotFound)
}
