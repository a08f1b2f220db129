package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/trackwatch/trackwatch/internal/recognize"
)

// ACRCloudlike is a Recognizer adapter for a diagnostic-only provider whose
// response carries a 0-100 score, divided by 100 to give the confidence. It
// never participates in two-hit confirmation; its recognitions are recorded
// for comparison only.
type ACRCloudlike struct {
	name    string
	baseURL string
	apiKey  string
	httpDo  func(req *http.Request) (*http.Response, error)
}

func NewACRCloudlike(name, baseURL, apiKey string, client *http.Client) *ACRCloudlike {
	if client == nil {
		client = http.DefaultClient
	}
	return &ACRCloudlike{name: name, baseURL: baseURL, apiKey: apiKey, httpDo: client.Do}
}

func (a *ACRCloudlike) Name() string { return a.name }

type acrcloudlikeResult struct {
	Status struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"status"`
	Metadata struct {
		Music []struct {
			AcrID      string  `json:"acrid"`
			Title      string  `json:"title"`
			Score      float64 `json:"score"` // provider-native [0,100]
			Album      string  `json:"album"`
			ExternalID string  `json:"external_id"`
			Artists    []struct {
				Name string `json:"name"`
			} `json:"artists"`
		} `json:"music"`
	} `json:"metadata"`
}

func (a *ACRCloudlike) Recognize(ctx context.Context, wav []byte, timeout time.Duration) (*recognize.Result, *recognize.Error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	wav, validateErr := validateWAV(wav)
	if validateErr != nil {
		return nil, validateErr
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, a.baseURL+"/v1/identify", bytesReader(wav))
	if err != nil {
		return nil, &recognize.Error{Kind: recognize.KindInternal, Message: "building request", Cause: err}
	}
	httpReq.Header.Set("Content-Type", "audio/wav")
	httpReq.Header.Set("X-Api-Key", a.apiKey)

	resp, err := a.httpDo(httpReq)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		if reqCtx.Err() != nil {
			return nil, &recognize.Error{Kind: recognize.KindTimeout, Message: "recognize call timed out", Cause: err}
		}
		return nil, &recognize.Error{Kind: recognize.KindTransport, Message: "recognize call failed", Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &recognize.Error{Kind: recognize.KindRateLimited, Message: "provider rate-limited this call"}
	}
	if resp.StatusCode >= 500 {
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: fmt.Sprintf("provider returned %d", resp.StatusCode)}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &recognize.Error{Kind: recognize.KindTransport, Message: "reading response body", Cause: err}
	}

	var parsed acrcloudlikeResult
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: "malformed response body", Cause: err}
	}

	// Provider status code 1001 conventionally means "no result".
	if parsed.Status.Code == 1001 || len(parsed.Metadata.Music) == 0 {
		return nil, nil
	}
	if parsed.Status.Code != 0 {
		return nil, &recognize.Error{Kind: recognize.KindProviderError, Message: parsed.Status.Msg}
	}

	best := parsed.Metadata.Music[0]
	var artist string
	if len(best.Artists) > 0 {
		artist = best.Artists[0].Name
	}

	return &recognize.Result{
		Provider:        a.name,
		ProviderTrackID: firstNonEmpty(best.ExternalID, best.AcrID),
		Title:           best.Title,
		Artist:          artist,
		Album:           optionalString(best.Album),
		Confidence:      best.Score / 100,
		LatencyMillis:   latency,
		Raw:             json.RawMessage(raw),
	}, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
