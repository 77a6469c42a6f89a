package ranker

import (
	"context"
	"sort"
	"time"

	"netmix/internal/shared/logger"
	"netmix/internal/shared/types"
)

// Candidate 是一次路由决策产生的临时条目。
// Score 越小越优先; DOWN 接口排在最后, 仅在别无选择时被使用。
type Candidate struct {
	Snapshot types.InterfaceSnapshot
	Score    float64
}

// Predictor 是可插拔的外部打分器契约。返回 map[接口名]分数, 分数越小越优先。
// 它只是顾问: 出错、超时或评分不完整时, Ranker 必须退回默认启发式。
type Predictor interface {
	Score(ctx context.Context, features []types.InterfaceSnapshot) (map[string]float64, error)
}

// Ranker 将 HealthMonitor 状态转换为接口的有序偏好列表。
type Ranker struct {
	provider  types.SnapshotProvider
	predictor Predictor // may be nil
	budget    time.Duration
}

// New 创建一个仅使用默认启发式的 Ranker。
func New(provider types.SnapshotProvider) *Ranker {
	return &Ranker{provider: provider}
}

// WithPredictor 注入一个外部打分器及其评估预算。
func (r *Ranker) WithPredictor(p Predictor, budget time.Duration) *Ranker {
	r.predictor = p
	r.budget = budget
	return r
}

// Rank 返回排除 exclude 后剩余接口的全序。
// exclude 是本次连接尝试中已失败的接口集合。
func (r *Ranker) Rank(exclude map[string]struct{}) []Candidate {
	snapshots := r.provider.Snapshots()

	eligible := make([]types.InterfaceSnapshot, 0, len(snapshots))
	for _, s := range snapshots {
		if _, skip := exclude[s.Name]; skip {
			continue
		}
		eligible = append(eligible, s)
	}
	if len(eligible) == 0 {
		return nil
	}

	if r.predictor != nil {
		if ranked, ok := r.rankByPredictor(eligible); ok {
			return ranked
		}
	}
	return rankHeuristic(eligible)
}

// rankByPredictor 在预算内咨询外部打分器。任何异常都放弃并退回启发式,
// 打分器永远不允许无限期阻塞路由。
func (r *Ranker) rankByPredictor(eligible []types.InterfaceSnapshot) ([]Candidate, bool) {
	ctx := context.Background()
	if r.budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.budget)
		defer cancel()
	}

	scores, err := r.predictor.Score(ctx, eligible)
	if err != nil {
		logger.Warn().Err(err).Msg("Ranker: predictor failed, falling back to heuristic.")
		return nil, false
	}

	out := make([]Candidate, 0, len(eligible))
	for _, s := range eligible {
		score, present := scores[s.Name]
		if !present {
			// 评分不完整会破坏全序的确定性, 整体退回启发式。
			logger.Warn().Str("iface", s.Name).Msg("Ranker: predictor omitted an interface, falling back to heuristic.")
			return nil, false
		}
		out = append(out, Candidate{Snapshot: s, Score: score})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score < out[j].Score
		}
		return out[i].Snapshot.Name < out[j].Snapshot.Name
	})
	return out, true
}

// rankHeuristic 是默认排序: 状态优先, 其次最新延迟, 再次活跃连接数
// (在同等健康的接口间摊开负载), 最后按接口名保证确定性。
func rankHeuristic(eligible []types.InterfaceSnapshot) []Candidate {
	out := make([]Candidate, 0, len(eligible))
	for _, s := range eligible {
		out = append(out, Candidate{Snapshot: s, Score: heuristicScore(s)})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i].Snapshot, out[j].Snapshot
		if a.Status != b.Status {
			return a.Status < b.Status
		}
		al, bl := normalizeLatency(a.LatestLatencyMs), normalizeLatency(b.LatestLatencyMs)
		if al != bl {
			return al < bl
		}
		if a.ActiveConnections != b.ActiveConnections {
			return a.ActiveConnections < b.ActiveConnections
		}
		return a.Name < b.Name
	})
	return out
}

// unknownLatencyMs 用于尚无样本的接口, 使其排在有样本的同状态接口之后。
const unknownLatencyMs = int64(9999)

func normalizeLatency(ms int64) int64 {
	if ms < 0 {
		return unknownLatencyMs
	}
	return ms
}

// heuristicScore 将排序键折叠成单一数值, 仅用于上报与训练样本,
// 排序本身使用显式多级比较。
func heuristicScore(s types.InterfaceSnapshot) float64 {
	return float64(s.Status)*1_000_000 + float64(normalizeLatency(s.LatestLatencyMs)) + float64(s.ActiveConnections)
}
