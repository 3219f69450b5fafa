package intent

import (
	"regexp"

	"github.com/fabrikhq/decision-core/pkg/models"
)

// patternEntry is one compiled rule-stage pattern. Entries are scanned in
// order; the first match at or above the confidence floor wins.
type patternEntry struct {
	re         *regexp.Regexp
	pattern    string
	intent     models.Intent
	target     models.TargetAgent
	confidence float64
}

// ruleConfidenceFloor is the minimum confidence for a rule-stage hit.
const ruleConfidenceFloor = 0.9

// defaultPatterns covers the utterances plant operators actually type, in
// Korean and English. Control intents come first so "stop" inside a longer
// analytical question does not shadow them; the broader analytical patterns
// follow.
var defaultPatterns = compile([]rawPattern{
	{`(?i)(중지|중단|그만|멈춰|취소|\bstop\b|\bcancel\b|\babort\b)`, models.IntentStop, models.TargetGeneral, 0.97},
	{`(?i)(계속|이어서|다음|\bcontinue\b|\bnext\b|\bgo on\b)`, models.IntentContinue, models.TargetGeneral, 0.92},
	{`(?i)(무슨 말|무슨 뜻|다시 설명|\bwhat do you mean\b|\bclarify\b|\bexplain again\b)`, models.IntentClarify, models.TargetGeneral, 0.92},
	{`(?i)(설정|시스템|버전 정보|\bsettings?\b|\bsystem status\b|\bconfiguration\b)`, models.IntentSystem, models.TargetGeneral, 0.9},

	{`(?i)(이상|비정상|튀는|anomal|abnormal|outlier|spike)`, models.IntentDetectAnomaly, models.TargetJudgment, 0.93},
	{`(?i)(원인|왜 .*(불량|떨어|낮|높)|root cause|why .*(drop|fail|defect))`, models.IntentFindCause, models.TargetJudgment, 0.93},

	{`(?i)(예측|전망|forecast|predict|projection)`, models.IntentPredict, models.TargetLearning, 0.92},
	{`(?i)(만약|가정|라면 어떻|what[ -]?if|simulate|scenario)`, models.IntentWhatIf, models.TargetLearning, 0.92},

	{`(?i)(알림|알려줘.*(되면|넘으면)|통보|notify|alert me|send .*notification)`, models.IntentNotify, models.TargetWorkflow, 0.91},
	{`(?i)(리포트|보고서|레포트|\breport\b|\bsummary\b)`, models.IntentReport, models.TargetBI, 0.91},

	{`(?i)(추이|추세|변화|지난 .*(주|달|개월)|\btrend\b|over (the )?(last|past)|history of)`, models.IntentTrend, models.TargetBI, 0.92},
	{`(?i)(비교|대비|차이|\bcompare\b|\bversus\b|\bvs\.?\b|difference between)`, models.IntentCompare, models.TargetBI, 0.92},
	{`(?i)(순위|상위|하위|가장 (많|적|높|낮)|\brank\b|\btop\s*\d*\b|\bbottom\s*\d*\b|highest|lowest)`, models.IntentRank, models.TargetBI, 0.91},
	{`(?i)(얼마|현황|상태|몇 개|수율|생산량|가동률|how (much|many)|current|status of|yield|output|utilization)`, models.IntentCheck, models.TargetBI, 0.9},
})

type rawPattern struct {
	expr       string
	intent     models.Intent
	target     models.TargetAgent
	confidence float64
}

func compile(raw []rawPattern) []patternEntry {
	entries := make([]patternEntry, 0, len(raw))
	for _, r := range raw {
		entries = append(entries, patternEntry{
			re:         regexp.MustCompile(r.expr),
			pattern:    r.expr,
			intent:     r.intent,
			target:     r.target,
			confidence: r.confidence,
		})
	}
	return entries
}

// defaultTarget maps an intent to its executor family when the source gave
// no target of its own.
func defaultTarget(intent models.Intent) models.TargetAgent {
	switch intent {
	case models.IntentCheck, models.IntentTrend, models.IntentCompare,
		models.IntentRank, models.IntentReport:
		return models.TargetBI
	case models.IntentFindCause, models.IntentDetectAnomaly:
		return models.TargetJudgment
	case models.IntentPredict, models.IntentWhatIf:
		return models.TargetLearning
	case models.IntentNotify:
		return models.TargetWorkflow
	default:
		return models.TargetGeneral
	}
}
