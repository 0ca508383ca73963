package entitlements

// Feature ids known to the platform.
const (
	FeatureAICoachBasic          = "ai_coach_basic"
	FeatureAICoachUnlimited      = "ai_coach_unlimited"
	FeatureCodeAnalysisBasic     = "code_analysis_basic"
	FeatureCodeAnalysisUnlimited = "code_analysis_unlimited"
	FeatureInterviewPrep         = "interview_prep"
	FeatureProjects              = "projects"
	FeatureAssignments           = "assignments"
	FeatureLessonGeneration      = "lesson_generation"
	FeatureVideoGeneration       = "video_generation"
)

// Bucket names a usage counter.
type Bucket string

const (
	BucketAICoachMessages       Bucket = "aiCoachMessages"
	BucketCodeAnalyses          Bucket = "codeAnalyses"
	BucketInterviewPrepSessions Bucket = "interviewPrepSessions"
	BucketProjectsCreated       Bucket = "projectsCreated"
	BucketAssignmentsSubmitted  Bucket = "assignmentsSubmitted"
	BucketLessonsGenerated      Bucket = "lessonsGenerated"
	BucketVideosGenerated       Bucket = "videosGenerated"
)

// featureBuckets maps feature ids to the counter they draw from. Tiers of the
// same capability share a bucket: usage is tracked per capability.
var featureBuckets = map[string]Bucket{
	FeatureAICoachBasic:          BucketAICoachMessages,
	FeatureAICoachUnlimited:      BucketAICoachMessages,
	FeatureCodeAnalysisBasic:     BucketCodeAnalyses,
	FeatureCodeAnalysisUnlimited: BucketCodeAnalyses,
	FeatureInterviewPrep:         BucketInterviewPrepSessions,
	FeatureProjects:              BucketProjectsCreated,
	FeatureAssignments:           BucketAssignmentsSubmitted,
	FeatureLessonGeneration:      BucketLessonsGenerated,
	FeatureVideoGeneration:       BucketVideosGenerated,
}

// BucketFor returns the usage bucket for a feature id.
func BucketFor(featureID string) (Bucket, bool) {
	b, ok := featureBuckets[featureID]
	return b, ok
}

// FeaturesForBucket returns the feature ids that share a bucket, in stable order.
func FeaturesForBucket(bucket Bucket) []string {
	var ids []string
	for _, id := range KnownFeatures() {
		if featureBuckets[id] == bucket {
			ids = append(ids, id)
		}
	}
	return ids
}

// KnownFeatures lists every feature id with a usage bucket.
func KnownFeatures() []string {
	return []string{
		FeatureAICoachBasic,
		FeatureAICoachUnlimited,
		FeatureCodeAnalysisBasic,
		FeatureCodeAnalysisUnlimited,
		FeatureInterviewPrep,
		FeatureProjects,
		FeatureAssignments,
		FeatureLessonGeneration,
		FeatureVideoGeneration,
	}
}

// FeatureDisplayName returns a human label for a feature id.
func FeatureDisplayName(featureID string) string {
	switch featureID {
	case FeatureAICoachBasic:
		return "AI Coach"
	case FeatureAICoachUnlimited:
		return "Unlimited AI Coach"
	case FeatureCodeAnalysisBasic:
		return "Code Analysis"
	case FeatureCodeAnalysisUnlimited:
		return "Unlimited Code Analysis"
	case FeatureInterviewPrep:
		return "Interview Prep"
	case FeatureProjects:
		return "Projects"
	case FeatureAssignments:
		return "Assignments"
	case FeatureLessonGeneration:
		return "Lesson Generation"
	case FeatureVideoGeneration:
		return "Video Generation"
	default:
		return featureID
	}
}
