package ranker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"netmix/internal/shared/types"
)

// HTTPPredictor 通过 HTTP 咨询外部 ML 协作者:
// POST 特征快照列表, 期望 map[接口名]分数。评估预算由 Ranker
// 传入的 ctx 强制执行, 协作者宕机只意味着退回启发式。
type HTTPPredictor struct {
	url    string
	client *http.Client
}

func NewHTTPPredictor(url string) *HTTPPredictor {
	return &HTTPPredictor{
		url:    url,
		client: &http.Client{},
	}
}

func (p *HTTPPredictor) Score(ctx context.Context, features []types.InterfaceSnapshot) (map[string]float64, error) {
	body, err := json.Marshal(features)
	if err != nil {
		return nil, fmt.Errorf("predictor: marshal features: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("predictor: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("predictor: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("predictor: unexpected status %d", resp.StatusCode)
	}

	scores := make(map[string]float64)
	if err := json.NewDecoder(resp.Body).Decode(&scores); err != nil {
		return nil, fmt.Errorf("predictor: decode scores: %w", err)
	}
	return scores, nil
}
