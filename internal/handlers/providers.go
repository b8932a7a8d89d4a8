package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"

	"github.com/roach88/careflow/internal/engine"
	"github.com/roach88/careflow/internal/ir"
)

// OAuthStateCollection holds pending authorization states.
const OAuthStateCollection = "oauth_states"

// FetchFunc reads a provider's readings recorded after since.
type FetchFunc func(ctx context.Context, client *http.Client, apiBase string, source ir.ResourceID, since, now time.Time) ([]ir.DataEvent, error)

// Provider is an OAuth data source such as a glucose monitor or a fitness
// tracker.
type Provider struct {
	OAuth   oauth2.Config
	APIBase string

	// SyncSchedule is stored with the authorization state; the sync
	// action created after authorization runs on it.
	SyncSchedule string

	Fetch FetchFunc
}

// Fetchers maps provider names to their readers.
var Fetchers = map[string]FetchFunc{
	"dexcom": FetchDexcom,
	"google": FetchGoogleFit,
}

// oauth issues an authorization link for provider and stores its state.
//
// Params: person_id, provider. Context update: {oauth: {url}}.
func (d *Deps) oauth(ctx context.Context, req engine.Request) (engine.Result, error) {
	person, ok := resourceParam(req.Params, "person_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("oauth: person_id is required")
	}
	name := stringParam(req.Params, "provider")
	p, ok := d.Providers[name]
	if !ok {
		return engine.Result{}, fmt.Errorf("oauth: unknown provider %q", name)
	}

	state := d.IDs.NewID()
	authURL := p.OAuth.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	err := d.Docs.PutDocument(ctx, OAuthStateCollection, state, ir.Document{
		"person_id": person.Map(),
		"provider":  name,
		"action_id": name,
		"schedule":  p.SyncSchedule,
		"redirect":  authURL,
		"created":   req.Now.Format(time.RFC3339),
	})
	if err != nil {
		return engine.Result{}, fmt.Errorf("oauth: store state: %w", err)
	}

	link := authURL
	if d.StateBaseURL != "" {
		link = strings.TrimSuffix(d.StateBaseURL, "/") + "/" + state
	}
	return engine.Result{ContextUpdate: map[string]any{"oauth": map[string]any{"url": link}}}, nil
}

// dataProvider syncs one provider's readings for source_id.
//
// The provider name, tokens and sync cursor live on the action (params or
// stored fields): name, source_id, access_token, refresh_token, expires,
// last_sync. An expired token is refreshed first and written back. Rows
// are published to the data topic and last_sync advances to the newest
// row.
func (d *Deps) dataProvider(ctx context.Context, req engine.Request) (engine.Result, error) {
	fields := map[string]any{}
	for k, v := range req.Action.Extra {
		fields[k] = v
	}
	for k, v := range req.Params {
		fields[k] = v
	}

	name := stringParam(fields, "name")
	p, ok := d.Providers[name]
	if !ok {
		return engine.Result{}, fmt.Errorf("data provider: unknown provider %q", name)
	}
	fetch := p.Fetch
	if fetch == nil {
		if fetch, ok = Fetchers[name]; !ok {
			return engine.Result{}, fmt.Errorf("data provider: no reader for %q", name)
		}
	}
	source, ok := resourceParam(fields, "source_id")
	if !ok {
		return engine.Result{}, fmt.Errorf("data provider %s: source_id is required", name)
	}

	current := &oauth2.Token{
		AccessToken:  stringParam(fields, "access_token"),
		RefreshToken: stringParam(fields, "refresh_token"),
		TokenType:    "Bearer",
		Expiry:       timeParam(fields, "expires"),
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, d.HTTPClient)
	ts := p.OAuth.TokenSource(ctx, current)
	token, err := ts.Token()
	if err != nil {
		return engine.Result{}, fmt.Errorf("data provider %s: token: %w", name, err)
	}

	update := map[string]any{}
	if token.AccessToken != current.AccessToken {
		update["access_token"] = token.AccessToken
		update["refresh_token"] = token.RefreshToken
		update["expires"] = token.Expiry.UTC().Format(time.RFC3339)
	}

	lastSync := timeParam(fields, "last_sync")
	rows, err := fetch(ctx, oauth2.NewClient(ctx, oauth2.StaticTokenSource(token)), p.APIBase, source, lastSync, req.Now)
	if err != nil {
		return engine.Result{}, fmt.Errorf("data provider %s: fetch: %w", name, err)
	}

	newest := lastSync
	for _, row := range rows {
		if err := d.publish(ctx, d.DataTopic, row); err != nil {
			return engine.Result{}, err
		}
		if row.Time.After(newest) {
			newest = row.Time
		}
	}
	if newest.After(lastSync) {
		update["last_sync"] = newest.UTC().Format(time.RFC3339)
	}

	if len(update) == 0 {
		return engine.Result{}, nil
	}
	return engine.Result{ActionUpdate: update}, nil
}

// FetchDexcom reads estimated glucose values. Without a cursor it looks
// back seven days.
func FetchDexcom(ctx context.Context, client *http.Client, apiBase string, source ir.ResourceID, since, now time.Time) ([]ir.DataEvent, error) {
	start := syncStart(since, now)
	q := url.Values{}
	q.Set("startDate", start.UTC().Format("2006-01-02T15:04:05"))
	q.Set("endDate", now.UTC().Format("2006-01-02T15:04:05"))

	var body struct {
		EGVs []struct {
			SystemTime string  `json:"systemTime"`
			Value      float64 `json:"value"`
			Trend      string  `json:"trend"`
			TrendRate  float64 `json:"trendRate"`
		} `json:"egvs"`
	}
	if err := getJSON(ctx, client, http.MethodGet, apiBase+"/v2/users/self/egvs?"+q.Encode(), nil, &body); err != nil {
		return nil, err
	}

	rows := make([]ir.DataEvent, 0, len(body.EGVs))
	for _, egv := range body.EGVs {
		t, err := parseProviderTime(egv.SystemTime)
		if err != nil {
			return nil, fmt.Errorf("dexcom reading time: %w", err)
		}
		rows = append(rows, ir.DataEvent{
			Time:   t,
			Source: source,
			Tags:   []string{"dexcom"},
			Data: []ir.Reading{
				{Name: "glucose", Number: ir.Float(egv.Value)},
				{Name: "trend", Value: egv.Trend},
				{Name: "trendRate", Number: ir.Float(egv.TrendRate)},
			},
		})
	}
	return rows, nil
}

// FetchGoogleFit reads hourly step counts.
func FetchGoogleFit(ctx context.Context, client *http.Client, apiBase string, source ir.ResourceID, since, now time.Time) ([]ir.DataEvent, error) {
	const stepType = "com.google.step_count.delta"
	start := syncStart(since, now)
	req := map[string]any{
		"aggregateBy": []any{map[string]any{
			"dataTypeName": stepType,
			"dataSourceId": "derived:com.google.step_count.delta:com.google.android.gms:estimated_steps",
		}},
		"bucketByTime":    map[string]any{"durationMillis": time.Hour.Milliseconds()},
		"startTimeMillis": start.UnixMilli(),
		"endTimeMillis":   now.UnixMilli(),
	}

	var body struct {
		Bucket []struct {
			Dataset []struct {
				Point []struct {
					StartTimeNanos string `json:"startTimeNanos"`
					EndTimeNanos   string `json:"endTimeNanos"`
					DataTypeName   string `json:"dataTypeName"`
					Value          []struct {
						IntVal *int64 `json:"intVal"`
					} `json:"value"`
				} `json:"point"`
			} `json:"dataset"`
		} `json:"bucket"`
	}
	if err := getJSON(ctx, client, http.MethodPost, apiBase+"/fitness/v1/users/me/dataset:aggregate", req, &body); err != nil {
		return nil, err
	}

	var rows []ir.DataEvent
	for _, bucket := range body.Bucket {
		if len(bucket.Dataset) == 0 || len(bucket.Dataset[0].Point) == 0 {
			continue
		}
		pt := bucket.Dataset[0].Point[0]
		if pt.DataTypeName != stepType || len(pt.Value) == 0 || pt.Value[0].IntVal == nil {
			continue
		}
		begin, err := nanosTime(pt.StartTimeNanos)
		if err != nil {
			return nil, err
		}
		end, err := nanosTime(pt.EndTimeNanos)
		if err != nil {
			return nil, err
		}
		rows = append(rows, ir.DataEvent{
			Time:   begin,
			Source: source,
			Tags:   []string{"gfit"},
			Data: []ir.Reading{
				{Name: "steps", Number: ir.Float(float64(*pt.Value[0].IntVal))},
				{Name: "duration", Number: ir.Float(end.Sub(begin).Seconds())},
			},
		})
	}
	return rows, nil
}

func syncStart(since, now time.Time) time.Time {
	if since.IsZero() {
		return now.Add(-7 * 24 * time.Hour)
	}
	return since.Add(time.Second)
}

// getJSON performs a request and decodes a JSON response. Empty bodies
// decode to nothing.
func getJSON(ctx context.Context, client *http.Client, method, target string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", method, req.URL.Path, resp.StatusCode)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// timeParam reads an RFC 3339 timestamp. Missing or malformed values are
// the zero time.
func timeParam(params map[string]any, key string) time.Time {
	switch v := params[key].(type) {
	case time.Time:
		return v
	case string:
		t, err := parseProviderTime(v)
		if err == nil {
			return t
		}
	}
	return time.Time{}
}

func parseProviderTime(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time %q", s)
}

func nanosTime(s string) (time.Time, error) {
	var n int64
	if _, err := fmt.Sscan(s, &n); err != nil {
		return time.Time{}, fmt.Errorf("nanos %q: %w", s, err)
	}
	return time.Unix(0, n).UTC(), nil
}
