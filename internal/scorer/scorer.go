// ============================================================================
// Talent-Match 評分器 - 技能匹配分數計算
// ============================================================================
//
// Package: internal/scorer
// 文件: scorer.go
// 功能: 比較求職者技能集合與職缺文字，產生 [0.0, 5.0] 的匹配分數
//
// 計算流程:
//   1. 對職缺標題 + 描述執行技能萃取
//   2. 職缺無任何技能 → 0.0
//   3. 歧義過濾：1~2 字元的技能（r, go, c#）需要技術語境才保留
//      全部被過濾 → 0.5（職缺沒有明確的技術要求）
//   4. 精確匹配 / 部分匹配（子字串，兩邊長度皆 > 2）
//   5. 匹配數 < 2 時分數上限為 3.0
//   6. 僅在匹配數 >= 2 時加分；技能數 < 3 時乘以 0.8
//   7. 夾在 [0, 5] 並四捨五入到小數點後兩位
//
// 並發安全:
//   Scorer 建立後不可變，可在任意數量的 goroutine 中同時使用
//
// ============================================================================

package scorer

import (
	"math"
	"strings"
	"unicode/utf8"

	"github.com/ChuLiYu/talent-match/internal/skills"
	"github.com/ChuLiYu/talent-match/pkg/types"
)

const (
	// MinScore 分數下限
	MinScore = 0.0
	// MaxScore 分數上限
	MaxScore = 5.0
	// HighMatchThreshold 高匹配通知門檻
	HighMatchThreshold = 3.5

	// HighThreshold / MediumThreshold 分級門檻
	HighThreshold   = 4.0
	MediumThreshold = 2.5
)

// 技術語境關鍵字
var (
	techContext = []string{"programming", "developer", "software", "code", "lập trình", "phát triển"}
	goContext   = []string{"programming", "developer", "software", "golang", "lập trình"}
)

// Weights 評分常數
//
// 這些值是人工調整出來的，集中在此方便日後以標註資料校正
type Weights struct {
	ExactWeight         float64  // 精確匹配權重
	PartialWeight       float64  // 部分匹配權重
	LowOverlapCap       float64  // 匹配數不足時的分數上限
	FullCap             float64  // 正常分數上限
	MinMatchesForFull   float64  // 取得完整上限所需的匹配數
	AmbiguousScore      float64  // 職缺技能全部被歧義過濾時的分數
	DiversityLarge      int      // 技能數大於此值加 DiversityLargeBonus
	DiversityLargeBonus float64
	DiversitySmall      int      // 技能數大於此值加 DiversitySmallBonus
	DiversitySmallBonus float64
	CriticalBonus       float64  // 每個關鍵技能精確匹配的加分
	CriticalSkills      []string // 關鍵技能清單（子字串比對）
	SmallSetSize        int      // 技能數小於此值套用懲罰
	SmallSetPenalty     float64  // 懲罰乘數
}

// DefaultWeights 回傳預設評分常數
func DefaultWeights() Weights {
	return Weights{
		ExactWeight:         1.0,
		PartialWeight:       0.5,
		LowOverlapCap:       3.0,
		FullCap:             5.0,
		MinMatchesForFull:   2,
		AmbiguousScore:      0.5,
		DiversityLarge:      15,
		DiversityLargeBonus: 0.2,
		DiversitySmall:      10,
		DiversitySmallBonus: 0.1,
		CriticalBonus:       0.1,
		CriticalSkills:      []string{"python", "javascript", "java", "react", "django", "nodejs", "sql", "mysql", "postgresql"},
		SmallSetSize:        3,
		SmallSetPenalty:     0.8,
	}
}

// PartialMatch 部分匹配的 (求職者技能, 職缺技能) 配對
type PartialMatch struct {
	Candidate string `json:"candidate"`
	Job       string `json:"job"`
}

// Explanation 分數計算的中間值，用於除錯與說明
type Explanation struct {
	JobSkills     types.SkillSet `json:"job_skills"`
	Filtered      types.SkillSet `json:"filtered_job_skills"`
	Exact         []string       `json:"exact_matches"`
	Partial       []PartialMatch `json:"partial_matches"`
	TotalMatches  float64        `json:"total_matches"`
	MaxPossible   float64        `json:"max_possible_score"`
	MatchRatio    float64        `json:"match_ratio"`
	BaseScore     float64        `json:"base_score"`
	Bonus         float64        `json:"bonus"`
	PenaltyFactor float64        `json:"penalty_factor"`
	Score         float64        `json:"score"`
	Reason        string         `json:"reason,omitempty"`
}

// Scorer 技能匹配評分器
type Scorer struct {
	extractor *skills.Extractor
	weights   Weights
}

// New 建立評分器；extractor 為 nil 時使用內建字典
func New(extractor *skills.Extractor, weights Weights) *Scorer {
	if extractor == nil {
		extractor = skills.Default()
	}
	return &Scorer{extractor: extractor, weights: weights}
}

// Default 使用內建字典與預設常數
func Default() *Scorer {
	return New(skills.Default(), DefaultWeights())
}

// Extractor 回傳評分器使用的技能萃取器
func (s *Scorer) Extractor() *skills.Extractor { return s.extractor }

// Score 計算匹配分數，永遠不會失敗
func (s *Scorer) Score(candidate types.SkillSet, jobTitle, jobDescription string) float64 {
	return s.Explain(candidate, jobTitle, jobDescription).Score
}

// Explain 計算匹配分數並回傳所有中間值
func (s *Scorer) Explain(candidate types.SkillSet, jobTitle, jobDescription string) Explanation {
	w := s.weights
	exp := Explanation{PenaltyFactor: 1}

	cand := normalizeCandidate(candidate)
	if len(cand) == 0 {
		exp.Reason = "no candidate skills"
		return exp
	}

	jobText := skills.Normalize(jobTitle + " " + jobDescription)
	exp.JobSkills = s.extractor.Extract(jobText)
	if exp.JobSkills.Len() == 0 {
		exp.Reason = "no skills in job"
		return exp
	}

	exp.Filtered = filterAmbiguous(exp.JobSkills, jobText)
	if exp.Filtered.Len() == 0 {
		exp.Reason = "job has no clear technical requirement"
		exp.Score = w.AmbiguousScore
		return exp
	}

	exact := make(map[string]bool)
	for _, c := range cand {
		if exp.Filtered.Contains(c) {
			exact[c] = true
			exp.Exact = append(exp.Exact, c)
		}
	}

	for _, c := range cand {
		if exact[c] || utf8.RuneCountInString(c) <= 2 {
			continue
		}
		for _, j := range exp.Filtered {
			if exact[j] || utf8.RuneCountInString(j) <= 2 {
				continue
			}
			if strings.Contains(j, c) || strings.Contains(c, j) {
				exp.Partial = append(exp.Partial, PartialMatch{Candidate: c, Job: j})
			}
		}
	}

	weighted := float64(len(exp.Exact))*w.ExactWeight + float64(len(exp.Partial))*w.PartialWeight
	exp.TotalMatches = float64(len(exp.Exact)) + 0.5*float64(len(exp.Partial))

	exp.MaxPossible = w.FullCap
	if exp.TotalMatches < w.MinMatchesForFull {
		exp.MaxPossible = w.LowOverlapCap
	}

	exp.MatchRatio = math.Min(1.0, weighted/float64(exp.Filtered.Len()))
	exp.BaseScore = exp.MatchRatio * exp.MaxPossible
	score := exp.BaseScore

	if exp.TotalMatches >= w.MinMatchesForFull {
		switch {
		case len(cand) > w.DiversityLarge:
			exp.Bonus += w.DiversityLargeBonus
		case len(cand) > w.DiversitySmall:
			exp.Bonus += w.DiversitySmallBonus
		}
		for _, m := range exp.Exact {
			if containsAny(m, w.CriticalSkills) {
				exp.Bonus += w.CriticalBonus
			}
		}
		score += exp.Bonus
	}

	if len(cand) < w.SmallSetSize {
		exp.PenaltyFactor = w.SmallSetPenalty
		score *= w.SmallSetPenalty
	}

	exp.Score = Round2(Clamp(score))
	return exp
}

// filterAmbiguous 移除沒有技術語境支持的短技能
//
// 單字元只保留 r、c 且需技術語境；"go" 需 Go 語境；其他技能（含 c# 等雙字元）一律保留
func filterAmbiguous(jobSkills types.SkillSet, jobText string) types.SkillSet {
	out := make(types.SkillSet, 0, len(jobSkills))
	for _, sk := range jobSkills {
		switch {
		case utf8.RuneCountInString(sk) == 1:
			if (sk == "r" || sk == "c") && containsAny(jobText, techContext) {
				out = append(out, sk)
			}
		case sk == "go":
			if containsAny(jobText, goContext) {
				out = append(out, sk)
			}
		default:
			out = append(out, sk)
		}
	}
	return out
}

func normalizeCandidate(candidate types.SkillSet) types.SkillSet {
	items := make([]string, 0, len(candidate))
	for _, c := range candidate {
		items = append(items, skills.Normalize(c))
	}
	return types.NewSkillSet(items...)
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Clamp 將分數限制在 [MinScore, MaxScore]
func Clamp(score float64) float64 {
	if math.IsNaN(score) {
		return MinScore
	}
	return math.Max(MinScore, math.Min(MaxScore, score))
}

// Round2 四捨五入到小數點後兩位
func Round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// ============================================================================
// 分數分級
// ============================================================================

// Bucket 分數等級
type Bucket string

const (
	BucketHigh   Bucket = "high"
	BucketMedium Bucket = "medium"
	BucketLow    Bucket = "low"
)

// BucketOf 依分數分級：>= 4.0 high，>= 2.5 medium，其餘 low
func BucketOf(score float64) Bucket {
	switch {
	case score >= HighThreshold:
		return BucketHigh
	case score >= MediumThreshold:
		return BucketMedium
	default:
		return BucketLow
	}
}

// MatchPercentage 將分數轉換為百分比（score*20，上限 100）
func MatchPercentage(score float64) float64 {
	return math.Min(score*20, 100)
}
