package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type BaseEnv struct {
	Env      string `envconfig:"ENV" default:"local"`
	HTTPHost string `envconfig:"HTTP_HOST" default:""`
	HTTPPort string `envconfig:"HTTP_PORT" default:"3200"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"debug"`
	APIKey   string `envconfig:"API_KEY" required:"true"`
}

type StorageEnv struct {
	Type    string `envconfig:"STORAGE_TYPE" default:"local"`
	BaseDir string `envconfig:"STORAGE_BASE_DIR" default:".longrun/data"`
	// S3 settings (used when Type == "s3")
	S3Bucket string `envconfig:"S3_BUCKET"`
	S3Prefix string `envconfig:"S3_PREFIX" default:"longrun/"`
	S3Region string `envconfig:"S3_REGION" default:"ap-northeast-1"`
}

// CapabilityEnv configures the external classification/planning/execution
// capability (the Claude agent runtime).
type CapabilityEnv struct {
	WorkDir string `envconfig:"CAPABILITY_WORK_DIR" default:"."`
	// PlanModelTag labels which planner variant produced a plan. The agent
	// runtime chooses the model itself; the tag is recorded for audit only.
	PlanModelTag  string        `envconfig:"PLAN_MODEL_TAG" default:"claude-sonnet-4-5"`
	DetectTimeout time.Duration `envconfig:"DETECT_TIMEOUT" default:"10s"`
	PlanTimeout   time.Duration `envconfig:"PLAN_TIMEOUT" default:"2m"`
	StepTimeout   time.Duration `envconfig:"STEP_TIMEOUT" default:"15m"`
}

// WorkerEnv configures the background execution pool and the queue.
type WorkerEnv struct {
	UrgentWorkers      int           `envconfig:"URGENT_WORKERS" default:"2"`
	NormalWorkers      int           `envconfig:"NORMAL_WORKERS" default:"4"`
	LowWorkers         int           `envconfig:"LOW_WORKERS" default:"2"`
	SpecializedWorkers int           `envconfig:"SPECIALIZED_WORKERS" default:"1"`
	QueueCapacity      int           `envconfig:"QUEUE_CAPACITY" default:"256"`
	StepRetryLimit     int           `envconfig:"STEP_RETRY_LIMIT" default:"3"`
	LeaseTTL           time.Duration `envconfig:"LEASE_TTL" default:"30m"`
	// ApprovalTTL expires tasks stuck in pending approval. Zero disables expiry.
	ApprovalTTL time.Duration `envconfig:"APPROVAL_TTL" default:"72h"`
}

type VAPIDEnv struct {
	VAPIDPublicKey  string `envconfig:"VAPID_PUBLIC_KEY"`
	VAPIDPrivateKey string `envconfig:"VAPID_PRIVATE_KEY"`
	VAPIDContact    string `envconfig:"VAPID_CONTACT" default:"mailto:ops@localhost"`
}

type Env struct {
	BaseEnv
	StorageEnv
	CapabilityEnv
	WorkerEnv
	VAPIDEnv
}

const namespace = "LONGRUN"

func LoadEnv() (*Env, error) {
	var env Env
	if err := envconfig.Process(namespace, &env); err != nil {
		return nil, fmt.Errorf("failed to load env: %w", err)
	}
	return &env, nil
}

func (e *BaseEnv) SlogLevel() slog.Level {
	if e == nil {
		return slog.LevelDebug
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(e.LogLevel)); err != nil {
		return slog.LevelDebug
	}
	return level
}

func BaseEnvFromEnv(env *Env) *BaseEnv {
	return &env.BaseEnv
}

func StorageEnvFromEnv(env *Env) *StorageEnv {
	return &env.StorageEnv
}

func CapabilityEnvFromEnv(env *Env) *CapabilityEnv {
	return &env.CapabilityEnv
}

func WorkerEnvFromEnv(env *Env) *WorkerEnv {
	return &env.WorkerEnv
}

func VAPIDEnvFromEnv(env *Env) *VAPIDEnv {
	return &env.VAPIDEnv
}
