package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/codexlearn/codex/internal/billing"
	"github.com/codexlearn/codex/internal/metrics"
	"github.com/codexlearn/codex/pkg/entitlements"
)

// Flow names, used in routes and metrics.
const (
	FlowCoach     = "coach"
	FlowAnalyze   = "analyze"
	FlowInterview = "interview"
	FlowLesson    = "lesson"
	FlowPath      = "path"
	FlowVideo     = "video"
)

// UsageRecorder charges one use of a feature, failing when the user is not
// entitled or out of quota.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, userID, featureID string, n int) (*entitlements.Subscription, error)
}

// Flows are the prompt-driven learning features.
type Flows struct {
	provider Provider
	video    VideoProvider
	usage    UsageRecorder
	poll     PollConfig
}

// FlowsOption configures Flows.
type FlowsOption func(*Flows)

// WithVideoProvider enables GenerateVideo.
func WithVideoProvider(v VideoProvider) FlowsOption {
	return func(f *Flows) { f.video = v }
}

// WithPollConfig overrides video polling limits.
func WithPollConfig(cfg PollConfig) FlowsOption {
	return func(f *Flows) { f.poll = cfg }
}

// NewFlows creates the flow set. usage may be nil to skip gating.
func NewFlows(p Provider, usage UsageRecorder, opts ...FlowsOption) *Flows {
	f := &Flows{provider: p, usage: usage, poll: DefaultPollConfig()}
	if v, ok := p.(VideoProvider); ok {
		f.video = v
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Provider returns the underlying text provider.
func (f *Flows) Provider() Provider { return f.provider }

// charge records one use of the first feature the user is entitled to. Tiers
// of a capability share a bucket, so any entitled tier is charged the same way.
func (f *Flows) charge(ctx context.Context, userID string, features ...string) error {
	if f.usage == nil {
		return nil
	}
	var err error
	for _, id := range features {
		_, err = f.usage.RecordUsage(ctx, userID, id, 1)
		if err == nil || !errors.Is(err, billing.ErrNotEntitled) {
			return err
		}
	}
	return err
}

func (f *Flows) generate(ctx context.Context, flow string, req GenerateRequest, out interface{}) error {
	start := time.Now()
	_, err := GenerateObject(ctx, f.provider, req, out)
	metrics.RecordGeneration(flow, time.Since(start), err)
	if err != nil {
		log.Warn().Err(err).Str("flow", flow).Str("provider", f.provider.Name()).Msg("Generation failed")
		return fmt.Errorf("%s generation: %w", flow, err)
	}
	return nil
}

func render(t *template.Template, data interface{}) (string, error) {
	var b strings.Builder
	if err := t.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", t.Name(), err)
	}
	return b.String(), nil
}

var (
	coachPrompt = template.Must(template.New("coach").Parse(`You are a patient programming coach.
{{- if .Topic}} The student is studying {{.Topic}}.{{end}}
{{range .History}}{{.Role}}: {{.Content}}
{{end}}student: {{.Message}}
Reply helpfully without giving away full solutions, then suggest up to three follow-up questions.`))

	analyzePrompt = template.Must(template.New("analyze").Parse(`Review the following {{with .Language}}{{.}} {{end}}code.
Score it from 0 to 100, list concrete issues with line numbers, and suggest improvements.

{{.Code}}`))

	interviewPrompt = template.Must(template.New("interview").Funcs(template.FuncMap{"join": strings.Join}).Parse(`Prepare {{.Count}} interview questions for a {{.Level}} {{.Role}} candidate.
{{- if .Topics}} Focus on: {{join .Topics ", "}}.{{end}}
Give each question a short hint and a difficulty of easy, medium or hard.`))

	lessonPrompt = template.Must(template.New("lesson").Parse(`Write a {{.Level}} lesson on {{.Topic}}.
Include a summary, a few titled sections and practice exercises.`))

	pathPrompt = template.Must(template.New("path").Parse(`Design a learning path for someone who wants to {{.Goal}}.
Current experience: {{.Experience}}. Available time: {{.WeeklyHours}} hours per week.
Break it into milestones with a description and an estimated number of weeks each.`))
)

var (
	stringSchema  = Schema{"type": "string"}
	integerSchema = Schema{"type": "integer"}
	stringsSchema = Schema{"type": "array", "items": stringSchema}
)

func objectSchema(props Schema, required ...string) Schema {
	return Schema{"type": "object", "properties": props, "required": required}
}

// ChatTurn is one message of earlier conversation.
type ChatTurn struct {
	Role    string `json:"role" validate:"required,oneof=student coach"`
	Content string `json:"content" validate:"required"`
}

// CoachRequest asks the coach a question.
type CoachRequest struct {
	Message string     `json:"message" validate:"required,max=4000"`
	Topic   string     `json:"topic,omitempty"`
	History []ChatTurn `json:"history,omitempty" validate:"max=20,dive"`
}

// CoachResponse is the coach's answer.
type CoachResponse struct {
	Reply       string   `json:"reply"`
	Suggestions []string `json:"suggestions"`
}

var coachSchema = objectSchema(Schema{"reply": stringSchema, "suggestions": stringsSchema}, "reply")

// CoachReply answers a student message. It draws from the coach message allowance.
func (f *Flows) CoachReply(ctx context.Context, userID string, req CoachRequest) (*CoachResponse, error) {
	if err := f.charge(ctx, userID, entitlements.FeaturesForBucket(entitlements.BucketAICoachMessages)...); err != nil {
		return nil, err
	}
	prompt, err := render(coachPrompt, req)
	if err != nil {
		return nil, err
	}
	var out CoachResponse
	err = f.generate(ctx, FlowCoach, GenerateRequest{
		Prompt:      prompt,
		Schema:      coachSchema,
		Temperature: 0.7,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// AnalyzeRequest submits code for review.
type AnalyzeRequest struct {
	Code     string `json:"code" validate:"required,max=20000"`
	Language string `json:"language,omitempty"`
}

// CodeIssue is one finding in a review.
type CodeIssue struct {
	Line     int    `json:"line"`
	Severity string `json:"severity"`
	Message  string `json:"message"`
}

// CodeAnalysis is the review result.
type CodeAnalysis struct {
	Summary     string      `json:"summary"`
	Score       int         `json:"score"`
	Issues      []CodeIssue `json:"issues"`
	Suggestions []string    `json:"suggestions"`
}

var analysisSchema = objectSchema(Schema{
	"summary": stringSchema,
	"score":   integerSchema,
	"issues": Schema{"type": "array", "items": objectSchema(Schema{
		"line":     integerSchema,
		"severity": Schema{"type": "string", "enum": []string{"info", "warning", "error"}},
		"message":  stringSchema,
	}, "message")},
	"suggestions": stringsSchema,
}, "summary", "score")

// AnalyzeCode reviews a code submission.
func (f *Flows) AnalyzeCode(ctx context.Context, userID string, req AnalyzeRequest) (*CodeAnalysis, error) {
	if err := f.charge(ctx, userID, entitlements.FeaturesForBucket(entitlements.BucketCodeAnalyses)...); err != nil {
		return nil, err
	}
	prompt, err := render(analyzePrompt, req)
	if err != nil {
		return nil, err
	}
	var out CodeAnalysis
	err = f.generate(ctx, FlowAnalyze, GenerateRequest{
		Prompt:      prompt,
		Schema:      analysisSchema,
		Temperature: 0.2,
	}, &out)
	if err != nil {
		return nil, err
	}
	if out.Score < 0 {
		out.Score = 0
	} else if out.Score > 100 {
		out.Score = 100
	}
	return &out, nil
}

// InterviewRequest describes the interview to prepare for.
type InterviewRequest struct {
	Role   string   `json:"role" validate:"required"`
	Level  string   `json:"level" validate:"omitempty,oneof=junior mid senior"`
	Topics []string `json:"topics,omitempty" validate:"max=10"`
	Count  int      `json:"count,omitempty" validate:"omitempty,min=1,max=20"`
}

// InterviewQuestion is one practice question.
type InterviewQuestion struct {
	Question   string `json:"question"`
	Hint       string `json:"hint"`
	Difficulty string `json:"difficulty"`
}

// InterviewSet is a batch of practice questions.
type InterviewSet struct {
	Questions []InterviewQuestion `json:"questions"`
}

var interviewSchema = objectSchema(Schema{
	"questions": Schema{"type": "array", "items": objectSchema(Schema{
		"question":   stringSchema,
		"hint":       stringSchema,
		"difficulty": Schema{"type": "string", "enum": []string{"easy", "medium", "hard"}},
	}, "question")},
}, "questions")

// InterviewPrep generates practice interview questions.
func (f *Flows) InterviewPrep(ctx context.Context, userID string, req InterviewRequest) (*InterviewSet, error) {
	if err := f.charge(ctx, userID, entitlements.FeatureInterviewPrep); err != nil {
		return nil, err
	}
	if req.Level == "" {
		req.Level = "mid"
	}
	if req.Count <= 0 {
		req.Count = 5
	}
	prompt, err := render(interviewPrompt, req)
	if err != nil {
		return nil, err
	}
	var out InterviewSet
	err = f.generate(ctx, FlowInterview, GenerateRequest{
		Prompt: prompt,
		Schema: interviewSchema,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LessonRequest names the lesson to write.
type LessonRequest struct {
	Topic string `json:"topic" validate:"required,max=200"`
	Level string `json:"level,omitempty" validate:"omitempty,oneof=beginner intermediate advanced"`
}

// LessonSection is one titled part of a lesson.
type LessonSection struct {
	Heading string `json:"heading"`
	Body    string `json:"body"`
}

// Lesson is generated course content.
type Lesson struct {
	Title     string          `json:"title"`
	Summary   string          `json:"summary"`
	Sections  []LessonSection `json:"sections"`
	Exercises []string        `json:"exercises"`
}

var lessonSchema = objectSchema(Schema{
	"title":   stringSchema,
	"summary": stringSchema,
	"sections": Schema{"type": "array", "items": objectSchema(Schema{
		"heading": stringSchema,
		"body":    stringSchema,
	}, "heading", "body")},
	"exercises": stringsSchema,
}, "title", "sections")

// GenerateLesson writes a lesson.
func (f *Flows) GenerateLesson(ctx context.Context, userID string, req LessonRequest) (*Lesson, error) {
	if err := f.charge(ctx, userID, entitlements.FeatureLessonGeneration); err != nil {
		return nil, err
	}
	if req.Level == "" {
		req.Level = "beginner"
	}
	prompt, err := render(lessonPrompt, req)
	if err != nil {
		return nil, err
	}
	var out Lesson
	err = f.generate(ctx, FlowLesson, GenerateRequest{
		Prompt: prompt,
		Schema: lessonSchema,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// LearningPathRequest describes the learner's goal.
type LearningPathRequest struct {
	Goal        string `json:"goal" validate:"required,max=500"`
	Experience  string `json:"experience,omitempty"`
	WeeklyHours int    `json:"weeklyHours,omitempty" validate:"omitempty,min=1,max=80"`
}

// Milestone is one step of a learning path.
type Milestone struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Weeks       int    `json:"weeks"`
}

// LearningPlan is an ordered plan of milestones.
type LearningPlan struct {
	Title      string      `json:"title"`
	Milestones []Milestone `json:"milestones"`
}

var pathSchema = objectSchema(Schema{
	"title": stringSchema,
	"milestones": Schema{"type": "array", "items": objectSchema(Schema{
		"title":       stringSchema,
		"description": stringSchema,
		"weeks":       integerSchema,
	}, "title")},
}, "title", "milestones")

// LearningPath plans a course of study. It is available on every plan and
// does not draw from any allowance.
func (f *Flows) LearningPath(ctx context.Context, req LearningPathRequest) (*LearningPlan, error) {
	if req.Experience == "" {
		req.Experience = "none"
	}
	if req.WeeklyHours <= 0 {
		req.WeeklyHours = 5
	}
	prompt, err := render(pathPrompt, req)
	if err != nil {
		return nil, err
	}
	var out LearningPlan
	err = f.generate(ctx, FlowPath, GenerateRequest{
		Prompt: prompt,
		Schema: pathSchema,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// ErrVideoUnavailable is returned when no video provider is configured.
var ErrVideoUnavailable = errors.New("video generation is not configured")

// VideoRequest describes a video to generate.
type VideoRequest struct {
	Prompt string `json:"prompt" validate:"required,max=2000"`
}

// Video is a finished generation.
type Video struct {
	Operation string `json:"operation"`
	URI       string `json:"uri"`
}

// GenerateVideo starts a video generation and polls it to completion.
func (f *Flows) GenerateVideo(ctx context.Context, userID string, req VideoRequest) (*Video, error) {
	if f.video == nil {
		return nil, ErrVideoUnavailable
	}
	if err := f.charge(ctx, userID, entitlements.FeatureVideoGeneration); err != nil {
		return nil, err
	}

	start := time.Now()
	video, err := f.runVideo(ctx, req.Prompt)
	metrics.RecordGeneration(FlowVideo, time.Since(start), err)
	if err != nil {
		log.Warn().Err(err).Str("user_id", userID).Msg("Video generation failed")
		return nil, fmt.Errorf("video generation: %w", err)
	}
	return video, nil
}

func (f *Flows) runVideo(ctx context.Context, prompt string) (*Video, error) {
	op, err := f.video.StartVideo(ctx, prompt)
	if err != nil {
		return nil, err
	}
	var final *VideoStatus
	err = Poll(ctx, f.poll, func(ctx context.Context) (bool, error) {
		status, err := f.video.VideoStatus(ctx, op)
		if err != nil {
			return false, err
		}
		if !status.Done {
			return false, nil
		}
		if status.Error != "" {
			return false, errors.New(status.Error)
		}
		final = status
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if final.URI == "" {
		return nil, errors.New("video operation finished without output")
	}
	return &Video{Operation: op, URI: final.URI}, nil
}
