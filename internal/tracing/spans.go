package tracing

// Span attribute keys for solve-engine tracing. These constants define
// the semantic conventions for span attributes across the solver.
const (
	// Execution attributes
	AttrExecutionID = "execution.id"
	AttrProfile     = "execution.profile"
	AttrExperiment  = "execution.experiment"

	// Node attributes
	AttrNodeID    = "node.id"
	AttrNodeDepth = "node.depth"
	AttrNodeRetry = "node.retry_count"

	// Stage attributes
	AttrStage         = "stage.name"
	AttrStageAttempt  = "stage.attempt"
	AttrVisibleCount  = "stage.visible_artifacts"
	AttrArtifactCount = "stage.emitted_artifacts"

	// Verification attributes
	AttrVerifyPass  = "verify.pass"
	AttrVerifyScore = "verify.score"
)

// SpanPrefixStage prefixes every capability-invocation span name
// (e.g. "stage.atomize", "stage.verify").
const SpanPrefixStage = "stage."
