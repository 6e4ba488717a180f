package gateway

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/google/uuid"

	"github.com/kmorrow/drover/pkg/models"
)

// Embedded is an in-process gateway that runs each worker session as a
// goroutine driving the Anthropic Messages API. It exists so drover can be
// used without a separate gateway service, and it deliberately mirrors the
// remote gateway's contract: a finished worker never pushes completion, it
// simply stops appearing in ListSessions.
type Embedded struct {
	client anthropic.Client
	model  anthropic.Model

	// sessionTimeout bounds a single worker run.
	sessionTimeout time.Duration

	mu   sync.Mutex
	live map[string]*embeddedSession
}

type embeddedSession struct {
	handle       string
	inputTokens  int64
	outputTokens int64
}

// EmbeddedConfig contains configuration for the embedded gateway.
type EmbeddedConfig struct {
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// Model is the model workers run on.
	Model string
	// UseAWSBedrock routes calls through AWS Bedrock instead of the API.
	UseAWSBedrock bool
	// AWSRegion is the AWS region for Bedrock (e.g. "us-west-2").
	AWSRegion string
	// AWSProfile is the optional AWS profile name to use.
	AWSProfile string
	// SessionTimeout bounds a single worker session.
	SessionTimeout time.Duration
}

// NewEmbedded creates an embedded gateway backed by the Anthropic API.
func NewEmbedded(cfg EmbeddedConfig) (*Embedded, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}

		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}

	timeout := cfg.SessionTimeout
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}

	return &Embedded{
		client:         anthropic.NewClient(opts...),
		model:          model,
		sessionTimeout: timeout,
		live:           make(map[string]*embeddedSession),
	}, nil
}

// Spawn launches a worker goroutine for the directive and returns its
// handle immediately.
func (e *Embedded) Spawn(ctx context.Context, d Directive) (string, error) {
	if err := validateDirective(d); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	sess := &embeddedSession{
		handle: "emb-" + uuid.New().String()[:8],
	}

	e.mu.Lock()
	e.live[sess.handle] = sess
	e.mu.Unlock()

	go e.run(sess, d)

	return sess.handle, nil
}

// ListSessions returns a snapshot of the currently running workers.
func (e *Embedded) ListSessions(ctx context.Context) ([]SessionSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]SessionSnapshot, 0, len(e.live))
	for _, s := range e.live {
		out = append(out, SessionSnapshot{
			Handle: s.handle,
			Usage: models.UsageMetrics{
				InputTokens:  s.inputTokens,
				OutputTokens: s.outputTokens,
			},
		})
	}
	return out, nil
}

// run executes one worker session and removes it from the live set when it
// ends, whatever the outcome. Session results land in the model's response;
// the coordinator only learns about the session's end via reconciliation or
// an explicit completion report.
func (e *Embedded) run(sess *embeddedSession, d Directive) {
	defer func() {
		e.mu.Lock()
		delete(e.live, sess.handle)
		e.mu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), e.sessionTimeout)
	defer cancel()

	resp, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     e.model,
		MaxTokens: 8192,
		System: []anthropic.TextBlockParam{
			{Text: workerSystemPrompt(d)},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(workerBrief(d))),
		},
	})
	if err != nil {
		log.Printf("[gateway] embedded session %s (%s) failed: %v", sess.handle, d.Label, err)
		return
	}

	e.mu.Lock()
	sess.inputTokens += resp.Usage.InputTokens
	sess.outputTokens += resp.Usage.OutputTokens
	e.mu.Unlock()
}

// workerSystemPrompt builds the system prompt for an embedded worker.
func workerSystemPrompt(d Directive) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are an autonomous worker session acting as the %q role.\n", d.Role)
	b.WriteString(d.Instructions)
	return b.String()
}

// workerBrief formats the human-readable task brief.
func workerBrief(d Directive) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n", d.TaskID, d.Title)
	if d.Priority != "" {
		fmt.Fprintf(&b, "Priority: %s\n", d.Priority)
	}
	if d.Tag != "" {
		fmt.Fprintf(&b, "Tag: %s\n", d.Tag)
	}
	for k, v := range d.Params {
		fmt.Fprintf(&b, "%s: %s\n", k, v)
	}
	return b.String()
}
