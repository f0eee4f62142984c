package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"

	"cardline/internal/domain"
)

// Config models cardline.yml.
type Config struct {
	Project struct {
		ID   string `yaml:"id" json:"id"`
		Kind string `yaml:"kind" json:"kind"`
	} `yaml:"project" json:"project"`
	Workspace  Workspace             `yaml:"workspace" json:"workspace"`
	Governance Governance            `yaml:"governance" json:"governance"`
	Turn       TurnConfig            `yaml:"turn" json:"turn"`
	Roles      map[string]RoleConfig `yaml:"roles" json:"roles"`
	Skills     map[string]Skill      `yaml:"skills" json:"skills,omitempty"`
	Runner     RunnerConfig          `yaml:"runner" json:"runner"`
	RBAC       struct {
		Roles map[string]RBACRole `yaml:"roles" json:"roles,omitempty"`
	} `yaml:"rbac" json:"rbac"`
	Webhooks []WebhookConfig `yaml:"webhooks" json:"webhooks,omitempty"`
}

type Workspace struct {
	Root                string   `yaml:"root" json:"root"`
	ForbiddenExtensions []string `yaml:"forbidden_extensions" json:"forbidden_extensions,omitempty"`
	Lint                struct {
		Enabled       bool `yaml:"enabled" json:"enabled"`
		MaxNameLength int  `yaml:"max_name_length" json:"max_name_length,omitempty"`
	} `yaml:"lint" json:"lint"`
}

type ManagedPaths struct {
	Paths  []string `yaml:"paths" json:"paths,omitempty"`
	Owners []string `yaml:"owners" json:"owners,omitempty"`
}

type Governance struct {
	FinalizerRoles        []string             `yaml:"finalizer_roles" json:"finalizer_roles,omitempty"`
	GuardRoles            []string             `yaml:"guard_roles" json:"guard_roles,omitempty"`
	OrgBypassStatusChecks bool                 `yaml:"org_bypass_status_checks" json:"org_bypass_status_checks"`
	MinSummaryLength      int                  `yaml:"min_summary_length" json:"min_summary_length"`
	WriteTools            []string             `yaml:"write_tools" json:"write_tools,omitempty"`
	ReadTools             []string             `yaml:"read_tools" json:"read_tools,omitempty"`
	StatusTool            string               `yaml:"status_tool" json:"status_tool"`
	CreationTools         []string             `yaml:"creation_tools" json:"creation_tools,omitempty"`
	DestructiveTools      []string             `yaml:"destructive_tools" json:"destructive_tools,omitempty"`
	ObservationalTools    []string             `yaml:"observational_tools" json:"observational_tools,omitempty"`
	ApprovalRequiredTools []string             `yaml:"approval_required_tools" json:"approval_required_tools,omitempty"`
	DependencyManaged     ManagedPaths         `yaml:"dependency_managed" json:"dependency_managed"`
	DeploymentManaged     ManagedPaths         `yaml:"deployment_managed" json:"deployment_managed"`
	WaitReasons           []string             `yaml:"wait_reasons" json:"wait_reasons,omitempty"`
	EnforceSkillContracts bool                 `yaml:"enforce_skill_contracts" json:"enforce_skill_contracts"`
	GrantedPermissions    []string             `yaml:"granted_skill_permissions" json:"granted_skill_permissions,omitempty"`
	RuntimeCaps           domain.RuntimeLimits `yaml:"runtime_caps" json:"runtime_caps"`
}

type ArchitectureDecisionConfig struct {
	Path                      string   `yaml:"path" json:"path"`
	AllowedRecommendations    []string `yaml:"allowed_recommendations" json:"allowed_recommendations,omitempty"`
	AllowedFrontendFrameworks []string `yaml:"allowed_frontend_frameworks" json:"allowed_frontend_frameworks,omitempty"`
	Roles                     []string `yaml:"roles" json:"roles,omitempty"`
	ForcedRecommendation      string   `yaml:"forced_recommendation" json:"forced_recommendation,omitempty"`
}

// VerificationConfig is the project-wide grounding scope handed to every turn.
type VerificationConfig struct {
	WorkspacePaths   []string       `yaml:"workspace_paths" json:"workspace_paths,omitempty"`
	ContextItems     []string       `yaml:"context_items" json:"context_items,omitempty"`
	Budgets          map[string]int `yaml:"budgets" json:"budgets,omitempty"`
	AllowUnsafePaths bool           `yaml:"allow_unsafe_paths" json:"allow_unsafe_paths"`
}

type TurnConfig struct {
	ModelTimeoutSeconds  int                        `yaml:"model_timeout_seconds" json:"model_timeout_seconds"`
	ToolCallsOnly        bool                       `yaml:"tool_calls_only" json:"tool_calls_only"`
	StrictGrounding      bool                       `yaml:"strict_grounding" json:"strict_grounding"`
	StageGateMode        string                     `yaml:"stage_gate_mode" json:"stage_gate_mode,omitempty"`
	ForbiddenPhrases     []string                   `yaml:"forbidden_phrases" json:"forbidden_phrases,omitempty"`
	ArchitectureDecision ArchitectureDecisionConfig `yaml:"architecture_decision" json:"architecture_decision"`
	Verification         VerificationConfig         `yaml:"verification" json:"verification"`
}

type RoleConfig struct {
	Tools              []string `yaml:"tools" json:"tools,omitempty"`
	IssueTypes         []string `yaml:"issue_types" json:"issue_types,omitempty"`
	Mission            string   `yaml:"mission" json:"mission,omitempty"`
	RequiredStatuses   []string `yaml:"required_statuses" json:"required_statuses,omitempty"`
	RequiredTools      []string `yaml:"required_tools" json:"required_tools,omitempty"`
	RequiredWritePaths []string `yaml:"required_write_paths" json:"required_write_paths,omitempty"`
	RequiredReadPaths  []string `yaml:"required_read_paths" json:"required_read_paths,omitempty"`
}

type Skill struct {
	Permissions []string             `yaml:"permissions" json:"permissions,omitempty"`
	Limits      domain.RuntimeLimits `yaml:"limits" json:"limits"`
}

type RunnerConfig struct {
	OwnerID             string `yaml:"owner_id" json:"owner_id"`
	LeaseSeconds        int    `yaml:"lease_seconds" json:"lease_seconds"`
	Concurrency         int    `yaml:"concurrency" json:"concurrency"`
	PollIntervalSeconds int    `yaml:"poll_interval_seconds" json:"poll_interval_seconds"`
}

type RBACRole struct {
	Description string   `yaml:"description" json:"description,omitempty"`
	Permissions []string `yaml:"permissions" json:"permissions"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"secret,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cardline project config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Project.ID == "" {
		return fmt.Errorf("config.project.id is required")
	}
	if c.Project.Kind != "card-board" {
		return fmt.Errorf("config.project.kind must be 'card-board'")
	}
	if c.Governance.StatusTool == "" {
		return fmt.Errorf("config.governance.status_tool is required")
	}
	if c.Governance.MinSummaryLength < 0 {
		return fmt.Errorf("config.governance.min_summary_length must be >= 0")
	}
	if len(c.Governance.FinalizerRoles) == 0 {
		return fmt.Errorf("config.governance.finalizer_roles is required")
	}
	for _, r := range c.Governance.WaitReasons {
		if r == "" {
			return fmt.Errorf("config.governance.wait_reasons contains empty reason")
		}
	}
	switch c.Turn.StageGateMode {
	case "", domain.StageGateAdvisory, domain.StageGateReviewRequired:
	default:
		return fmt.Errorf("config.turn.stage_gate_mode must be advisory or review_required")
	}
	if c.Turn.ModelTimeoutSeconds < 0 {
		return fmt.Errorf("config.turn.model_timeout_seconds must be >= 0")
	}
	if ad := c.Turn.ArchitectureDecision; ad.ForcedRecommendation != "" && len(ad.AllowedRecommendations) > 0 {
		allowed := false
		for _, r := range ad.AllowedRecommendations {
			allowed = allowed || r == ad.ForcedRecommendation
		}
		if !allowed {
			return fmt.Errorf("config.turn.architecture_decision.forced_recommendation %q is not an allowed recommendation", ad.ForcedRecommendation)
		}
	}
	for name, n := range c.Turn.Verification.Budgets {
		if n < 0 {
			return fmt.Errorf("config.turn.verification.budgets.%s must be >= 0", name)
		}
	}
	if len(c.Roles) == 0 {
		return fmt.Errorf("config.roles is required")
	}
	for name, role := range c.Roles {
		if name == "" {
			return fmt.Errorf("config.roles contains empty role name")
		}
		for _, it := range role.IssueTypes {
			if _, ok := domain.ParseCardType(it); !ok {
				return fmt.Errorf("role %s has unknown issue type %s", name, it)
			}
		}
		for _, st := range role.RequiredStatuses {
			if _, ok := domain.ParseStatus(st); !ok {
				return fmt.Errorf("role %s requires unknown status %s", name, st)
			}
		}
	}
	for tool, skill := range c.Skills {
		if tool == "" {
			return fmt.Errorf("config.skills contains empty tool name")
		}
		for _, perm := range skill.Permissions {
			if perm == "" {
				return fmt.Errorf("skill %s has empty permission", tool)
			}
		}
	}
	if c.Runner.LeaseSeconds < 0 || c.Runner.Concurrency < 0 || c.Runner.PollIntervalSeconds < 0 {
		return fmt.Errorf("config.runner values must be >= 0")
	}
	if len(c.RBAC.Roles) > 0 {
		if _, ok := c.RBAC.Roles["owner"]; !ok {
			return fmt.Errorf("config.rbac.roles must include owner")
		}
		for roleID, role := range c.RBAC.Roles {
			if roleID == "" {
				return fmt.Errorf("config.rbac.roles contains empty role id")
			}
			for _, perm := range role.Permissions {
				if perm == "" {
					return fmt.Errorf("role %s has empty permission id", roleID)
				}
			}
		}
	}
	return nil
}

// Role resolves a configured role into its domain form.
func (c *Config) Role(name string) (domain.Role, bool) {
	rc, ok := c.Roles[name]
	if !ok {
		return domain.Role{}, false
	}
	role := domain.Role{Name: name, Tools: append([]string(nil), rc.Tools...), Mission: rc.Mission}
	for _, it := range rc.IssueTypes {
		if ct, ok := domain.ParseCardType(it); ok {
			role.IssueTypes = append(role.IssueTypes, ct)
		}
	}
	return role, true
}

// RoleNames returns configured role names sorted.
func (c *Config) RoleNames() []string {
	names := make([]string, 0, len(c.Roles))
	for name := range c.Roles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RoleFor returns the first role, in name order, that handles the card type.
func (c *Config) RoleFor(t domain.CardType) (domain.Role, bool) {
	for _, name := range c.RoleNames() {
		role, _ := c.Role(name)
		if role.Handles(t) {
			return role, true
		}
	}
	return domain.Role{}, false
}

// WorkspaceRoot resolves the workspace root relative to the given directory.
func (c *Config) WorkspaceRoot(base string) string {
	root := c.Workspace.Root
	if root == "" {
		root = "."
	}
	if filepath.IsAbs(root) {
		return root
	}
	if base == "" {
		base = "."
	}
	return filepath.Join(base, root)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "cardline.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(projectID string) string {
	return fmt.Sprintf(defaultTemplate, projectID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a project.
func Default(projectID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, projectID))).Decode(&cfg)
	cfg.Project.ID = projectID
	cfg.Project.Kind = "card-board"
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `project:
  id: %s
  kind: card-board

workspace:
  root: "."
  forbidden_extensions: [".exe", ".dll", ".so", ".dylib", ".bin", ".pem", ".key"]
  lint:
    enabled: true
    max_name_length: 96

governance:
  finalizer_roles: [integration_guard]
  guard_roles: [integration_guard]
  org_bypass_status_checks: false
  min_summary_length: 20
  write_tools: [write_file]
  read_tools: [read_file, list_dir]
  status_tool: update_issue_status
  creation_tools: [create_issue]
  destructive_tools: [delete_file]
  observational_tools: [read_file, list_dir, get_issue]
  approval_required_tools: [deploy]
  wait_reasons: [dependency, technical_blocker, requirements_unclear, external_review, resource_unavailable]
  dependency_managed:
    paths: [go.mod, go.sum, package.json, package-lock.json, requirements.txt, poetry.lock]
    owners: [architect]
  deployment_managed:
    paths: [Dockerfile, docker-compose.yml, .github/workflows/, deploy/]
    owners: [devops]
  enforce_skill_contracts: false
  granted_skill_permissions: [fs.read, fs.write, cards.write]
  runtime_caps:
    max_tool_calls: 50
    timeout_seconds: 120
    max_output_bytes: 1048576

turn:
  model_timeout_seconds: 120
  tool_calls_only: false
  strict_grounding: false
  stage_gate_mode: advisory
  forbidden_phrases: []
  architecture_decision:
    path: agent_output/architecture_decision.json
    allowed_recommendations: [monolith, modular_monolith, microservices, serverless]
    allowed_frontend_frameworks: [react, vue, svelte, angular, none]
    roles: [architect]
  verification:
    workspace_paths: []
    context_items: []
    allow_unsafe_paths: false

roles:
  architect:
    tools: [read_file, list_dir, write_file, get_issue, update_issue_status]
    issue_types: [epic, rock]
    required_statuses: [IN_PROGRESS]
    mission: "You are the architect. Record architecture decisions as JSON and keep dependency manifests consistent."
  coder:
    tools: [read_file, list_dir, write_file, get_issue, update_issue_status, add_comment]
    issue_types: [issue]
    required_tools: [write_file]
    required_statuses: [READY_FOR_TESTING, CODE_REVIEW, BLOCKED]
    mission: "You are the coder. Implement the card by writing files in the workspace, then move it forward."
  code_reviewer:
    tools: [read_file, list_dir, get_issue, update_issue_status, add_comment]
    issue_types: []
    required_statuses: [CODE_REVIEW, AWAITING_GUARD_REVIEW, IN_PROGRESS]
    mission: "You are the code reviewer. Read the implementation and record your verdict through a status change."
  integration_guard:
    tools: [read_file, list_dir, get_issue, update_issue_status, add_comment]
    issue_types: []
    required_statuses: [DONE, BLOCKED]
    mission: "You are the integration guard. Approve finished work or block it with a structured rejection."

skills:
  read_file:
    permissions: [fs.read]
    limits: {max_tool_calls: 20, timeout_seconds: 10, max_output_bytes: 262144}
  list_dir:
    permissions: [fs.read]
    limits: {max_tool_calls: 10, timeout_seconds: 10, max_output_bytes: 65536}
  write_file:
    permissions: [fs.write]
    limits: {max_tool_calls: 20, timeout_seconds: 10, max_output_bytes: 4096}
  update_issue_status:
    permissions: [cards.write]
    limits: {max_tool_calls: 2, timeout_seconds: 10, max_output_bytes: 4096}

runner:
  owner_id: runner-local
  lease_seconds: 300
  concurrency: 2
  poll_interval_seconds: 5

rbac:
  roles:
    owner:
      description: "Full access"
      permissions: [project.admin, card.read, card.write, card.lease, card.transition, approval.decide, events.read, rbac.admin]
    operator:
      description: "Runs and supervises cards"
      permissions: [card.read, card.write, card.lease, card.transition, events.read]
    viewer:
      description: "Read-only"
      permissions: [card.read, events.read]
`
