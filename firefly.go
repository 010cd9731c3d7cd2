package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/govalues/decimal"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Submission is one transaction group as the remote API accepts it. All
// ids are remote ids; the engine resolves them before building this.
type Submission struct {
	Key        string
	GroupTitle string
	Splits     []SubmissionSplit
}

// SubmissionSplit is one line of a submission. Type is withdrawal, deposit
// or transfer.
type SubmissionSplit struct {
	Type            string
	Date            time.Time
	Amount          decimal.Decimal
	Description     string
	SourceID        string
	DestinationID   string
	CategoryName    string
	BudgetName      string
	ForeignAmount   decimal.Decimal
	ForeignCurrency string
	Notes           string
	ExternalID      string
	Reconciled      bool
	Tags            []string
}

type fireflyClient struct {
	base       string
	token      string
	hc         *http.Client
	maxRetries int
	log        zerolog.Logger

	// listings caches the full name index per entity kind so resolution
	// of n distinct names costs one paginated fetch, not n.
	lmu      sync.Mutex
	listings map[EntityKind]map[string][]RemoteEntity
}

func newFireflyClient(base, token string, maxRetries int, log zerolog.Logger) *fireflyClient {
	return &fireflyClient{
		base:       base,
		token:      token,
		hc:         &http.Client{Timeout: 30 * time.Second},
		maxRetries: maxRetries,
		log:        log,
		listings:   make(map[EntityKind]map[string][]RemoteEntity),
	}
}

type apiObject struct {
	ID         string          `json:"id"`
	Attributes json.RawMessage `json:"attributes"`
}

type listResponse struct {
	Data []apiObject `json:"data"`
	Meta struct {
		Pagination struct {
			CurrentPage int `json:"current_page"`
			TotalPages  int `json:"total_pages"`
		} `json:"pagination"`
	} `json:"meta"`
}

type objectResponse struct {
	Data apiObject `json:"data"`
}

type accountAttrs struct {
	Name           string `json:"name"`
	Active         bool   `json:"active"`
	CurrentBalance string `json:"current_balance"`
}

type namedAttrs struct {
	Name   string `json:"name"`
	Active bool   `json:"active"`
}

type limitAttrs struct {
	Start  string `json:"start"`
	Amount string `json:"amount"`
}

// do issues one API call with bounded exponential backoff on transient
// failures. Non-2xx below 500 (except 429) never retries.
func (c *fireflyClient) do(ctx context.Context, op, method, path string, query url.Values, body, out interface{}) error {
	attempt := func() error {
		var rd io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			if err != nil {
				return backoff.Permanent(errors.Wrapf(err, "%s: encode request", op))
			}
			rd = bytes.NewReader(data)
		}
		u := c.base + path
		if len(query) > 0 {
			u += "?" + query.Encode()
		}
		req, err := http.NewRequestWithContext(ctx, method, u, rd)
		if err != nil {
			return backoff.Permanent(errors.Wrap(err, op))
		}
		req.Header.Set("Authorization", "Bearer "+c.token)
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.hc.Do(req)
		if err != nil {
			return &TransientGatewayError{Op: op, Err: err}
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &TransientGatewayError{Op: op, Err: err}
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return &TransientGatewayError{Op: op, Status: resp.StatusCode,
				Err: errors.Errorf("%s", bytes.TrimSpace(data))}
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return backoff.Permanent(errors.Errorf("%s: status %d: %s",
				op, resp.StatusCode, bytes.TrimSpace(data)))
		}
		if out != nil {
			if err := json.Unmarshal(data, out); err != nil {
				return backoff.Permanent(errors.Wrapf(err, "%s: decode response", op))
			}
		}
		return nil
	}

	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(c.maxRetries)), ctx)
	return backoff.RetryNotify(attempt, bo, func(err error, wait time.Duration) {
		c.log.Warn().Str("op", op).Dur("wait", wait).Err(err).Msg("retrying")
	})
}

// listAll walks every page of a collection endpoint.
func (c *fireflyClient) listAll(ctx context.Context, op, path string, query url.Values) ([]apiObject, error) {
	var all []apiObject
	for page := 1; ; page++ {
		q := url.Values{}
		for k, v := range query {
			q[k] = v
		}
		q.Set("page", strconv.Itoa(page))
		var resp listResponse
		if err := c.do(ctx, op, http.MethodGet, path, q, nil, &resp); err != nil {
			return nil, err
		}
		all = append(all, resp.Data...)
		if resp.Meta.Pagination.CurrentPage >= resp.Meta.Pagination.TotalPages {
			return all, nil
		}
	}
}

// VerifyConnection checks base URL and token before any mutation.
func (c *fireflyClient) VerifyConnection(ctx context.Context) (string, error) {
	var resp objectResponse
	if err := c.do(ctx, "about/user", http.MethodGet, "/api/v1/about/user", nil, nil, &resp); err != nil {
		return "", err
	}
	var attrs struct {
		Email string `json:"email"`
	}
	if err := json.Unmarshal(resp.Data.Attributes, &attrs); err != nil {
		return "", errors.Wrap(err, "decode user attributes")
	}
	return attrs.Email, nil
}

func kindEndpoint(kind EntityKind) (path string, query url.Values) {
	switch kind {
	case KindAssetAccount:
		return "/api/v1/accounts", url.Values{"type": {"asset"}}
	case KindRevenueAccount:
		return "/api/v1/accounts", url.Values{"type": {"revenue"}}
	case KindExpenseAccount:
		return "/api/v1/accounts", url.Values{"type": {"expense"}}
	case KindCategory:
		return "/api/v1/categories", nil
	default:
		return "/api/v1/budgets", nil
	}
}

// listing returns the lazily-built name index for a kind.
func (c *fireflyClient) listing(ctx context.Context, kind EntityKind) (map[string][]RemoteEntity, error) {
	c.lmu.Lock()
	defer c.lmu.Unlock()
	if idx, ok := c.listings[kind]; ok {
		return idx, nil
	}
	path, query := kindEndpoint(kind)
	objs, err := c.listAll(ctx, "list "+kind.String(), path, query)
	if err != nil {
		return nil, err
	}
	idx := make(map[string][]RemoteEntity)
	for _, o := range objs {
		var attrs namedAttrs
		if err := json.Unmarshal(o.Attributes, &attrs); err != nil {
			return nil, errors.Wrapf(err, "decode %s %s", kind, o.ID)
		}
		idx[attrs.Name] = append(idx[attrs.Name],
			RemoteEntity{ID: o.ID, Name: attrs.Name, Active: attrs.Active})
	}
	c.listings[kind] = idx
	return idx, nil
}

func (c *fireflyClient) LookupEntity(ctx context.Context, kind EntityKind, name string) (*RemoteEntity, error) {
	idx, err := c.listing(ctx, kind)
	if err != nil {
		return nil, err
	}
	switch matches := idx[name]; len(matches) {
	case 0:
		return nil, nil
	case 1:
		ent := matches[0]
		return &ent, nil
	default:
		return nil, &ResolutionError{Kind: kind, Name: name,
			Err: errors.Errorf("%d remote entities share this name", len(matches))}
	}
}

func (c *fireflyClient) CreateEntity(ctx context.Context, spec EntitySpec) (*RemoteEntity, error) {
	var (
		path string
		body map[string]interface{}
	)
	switch spec.Kind {
	case KindAssetAccount, KindRevenueAccount, KindExpenseAccount:
		path = "/api/v1/accounts"
		body = map[string]interface{}{
			"name":   spec.Name,
			"active": spec.Active,
		}
		switch spec.Kind {
		case KindAssetAccount:
			body["type"] = "asset"
			body["account_role"] = spec.Role
			body["currency_code"] = spec.Currency
			if !spec.OpeningDate.IsZero() {
				body["opening_balance"] = spec.OpeningBalance.String()
				body["opening_balance_date"] = spec.OpeningDate.Format(dateStamp)
			}
		case KindRevenueAccount:
			body["type"] = "revenue"
		default:
			body["type"] = "expense"
		}
	case KindCategory:
		path = "/api/v1/categories"
		body = map[string]interface{}{"name": spec.Name}
	default:
		path = "/api/v1/budgets"
		body = map[string]interface{}{"name": spec.Name, "active": spec.Active}
	}

	var resp objectResponse
	op := fmt.Sprintf("create %s %q", spec.Kind, spec.Name)
	if err := c.do(ctx, op, http.MethodPost, path, nil, body, &resp); err != nil {
		return nil, err
	}
	ent := RemoteEntity{ID: resp.Data.ID, Name: spec.Name, Active: spec.Active}

	c.lmu.Lock()
	if idx, ok := c.listings[spec.Kind]; ok {
		idx[spec.Name] = append(idx[spec.Name], ent)
	}
	c.lmu.Unlock()
	return &ent, nil
}

func (c *fireflyClient) CreateTransaction(ctx context.Context, sub *Submission) (string, error) {
	splits := make([]map[string]interface{}, 0, len(sub.Splits))
	for _, s := range sub.Splits {
		split := map[string]interface{}{
			"type":           s.Type,
			"date":           s.Date.Format(dateStamp),
			"amount":         s.Amount.String(),
			"description":    s.Description,
			"source_id":      s.SourceID,
			"destination_id": s.DestinationID,
			"reconciled":     s.Reconciled,
			"tags":           s.Tags,
		}
		if s.CategoryName != "" {
			split["category_name"] = s.CategoryName
		}
		if s.BudgetName != "" {
			split["budget_name"] = s.BudgetName
		}
		if s.ForeignCurrency != "" {
			split["foreign_amount"] = s.ForeignAmount.String()
			split["foreign_currency_code"] = s.ForeignCurrency
		}
		if s.Notes != "" {
			split["notes"] = s.Notes
		}
		if s.ExternalID != "" {
			split["external_id"] = s.ExternalID
		}
		splits = append(splits, split)
	}
	body := map[string]interface{}{
		"error_if_duplicate_hash": false,
		"apply_rules":             false,
		"transactions":            splits,
	}
	if sub.GroupTitle != "" {
		body["group_title"] = sub.GroupTitle
	}

	var resp objectResponse
	err := c.do(ctx, "create transaction", http.MethodPost, "/api/v1/transactions", nil, body, &resp)
	if err != nil {
		return "", err
	}
	return resp.Data.ID, nil
}

func (c *fireflyClient) AccountBalance(ctx context.Context, accountID string, asOf time.Time) (decimal.Decimal, error) {
	q := url.Values{"date": {asOf.Format(dateStamp)}}
	var resp objectResponse
	err := c.do(ctx, "account balance", http.MethodGet, "/api/v1/accounts/"+accountID, q, nil, &resp)
	if err != nil {
		return decimal.Decimal{}, err
	}
	var attrs accountAttrs
	if err := json.Unmarshal(resp.Data.Attributes, &attrs); err != nil {
		return decimal.Decimal{}, errors.Wrap(err, "decode account attributes")
	}
	bal, err := decimal.Parse(attrs.CurrentBalance)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "balance %q of account %s", attrs.CurrentBalance, accountID)
	}
	return bal, nil
}

func (c *fireflyClient) BudgetAllocations(ctx context.Context, budgetID string) ([]RemoteAllocation, error) {
	objs, err := c.listAll(ctx, "budget limits", "/api/v1/budgets/"+budgetID+"/limits", nil)
	if err != nil {
		return nil, err
	}
	out := make([]RemoteAllocation, 0, len(objs))
	for _, o := range objs {
		var attrs limitAttrs
		if err := json.Unmarshal(o.Attributes, &attrs); err != nil {
			return nil, errors.Wrapf(err, "decode budget limit %s", o.ID)
		}
		start, err := time.Parse(time.RFC3339, attrs.Start)
		if err != nil {
			if start, err = time.Parse(dateStamp, attrs.Start); err != nil {
				return nil, errors.Wrapf(err, "budget limit %s start %q", o.ID, attrs.Start)
			}
		}
		amount, err := decimal.Parse(attrs.Amount)
		if err != nil {
			return nil, errors.Wrapf(err, "budget limit %s amount %q", o.ID, attrs.Amount)
		}
		out = append(out, RemoteAllocation{ID: o.ID, Start: start, Amount: amount})
	}
	return out, nil
}

func (c *fireflyClient) UpsertBudgetAllocation(ctx context.Context, up AllocationUpsert) error {
	body := map[string]interface{}{
		"start":  up.Start.Format(dateStamp),
		"end":    up.End.Format(dateStamp),
		"amount": up.Amount.String(),
	}
	path := "/api/v1/budgets/" + up.BudgetID + "/limits"
	method := http.MethodPost
	if up.LimitID != "" {
		path += "/" + up.LimitID
		method = http.MethodPut
	}
	return c.do(ctx, "upsert budget limit", method, path, nil, body, nil)
}
