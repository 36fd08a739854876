package models

// ImageQuality grades how usable the submitted photo was for scoring.
type ImageQuality string

const (
	QualityPoor      ImageQuality = "poor"
	QualityFair      ImageQuality = "fair"
	QualityGood      ImageQuality = "good"
	QualityExcellent ImageQuality = "excellent"
)

// AnalysisMetadata describes the vision model's read of the input photo.
type AnalysisMetadata struct {
	ImageQuality    ImageQuality `json:"imageQuality"`
	Confidence      float64      `json:"confidence"`
	DetectedRegions []string     `json:"detectedRegions"`
}

// MuscleScore is one scored muscle in the analysis.
type MuscleScore struct {
	Name       string  `json:"name"`
	Group      string  `json:"group"`
	Score      float64 `json:"score"`
	Category   string  `json:"category"`
	Visibility string  `json:"visibility"`
}

// OverallAssessment summarizes the physique across all scored muscles.
type OverallAssessment struct {
	StrongestMuscles []string `json:"strongestMuscles"`
	WeakestMuscles   []string `json:"weakestMuscles"`
	PhysiqueScore    float64  `json:"physiqueScore"`
	SymmetryScore    float64  `json:"symmetryScore"`
	BalanceCategory  string   `json:"balanceCategory"`
}

// Recommendation is one training suggestion targeting a lagging area.
type Recommendation struct {
	Target    string   `json:"target"`
	Priority  string   `json:"priority"`
	Exercises []string `json:"exercises"`
	Frequency string   `json:"frequency"`
}

// AnalysisResult is the validated physique analysis returned by the pipeline.
// Metadata and OverallAssessment are pointers so a missing section is
// distinguishable from a zero-valued one during validation.
type AnalysisResult struct {
	Metadata          *AnalysisMetadata  `json:"metadata"`
	MuscleScores      []MuscleScore      `json:"muscleScores"`
	OverallAssessment *OverallAssessment `json:"overallAssessment"`
	Recommendations   []Recommendation   `json:"recommendations"`
}

// AnalysisOutcome is the orchestrator's boundary result. Failures are carried
// as data so callers never need error handling around Analyze.
type AnalysisOutcome struct {
	Success bool            `json:"success"`
	Data    *AnalysisResult `json:"data,omitempty"`
	Cached  bool            `json:"cached"`
	Error   *APIError       `json:"error,omitempty"`
}
