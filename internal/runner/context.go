package runner

import (
	"sort"

	"cardline/internal/config"
	"cardline/internal/domain"
)

// BuildContext derives the static part of a turn context from project config. Run ids,
// turn index and dependency state are filled in by the caller.
func BuildContext(cfg *config.Config, role domain.Role, card domain.CardSummary) domain.TurnContext {
	rc := cfg.Roles[role.Name]
	vc := cfg.Turn.Verification
	tc := domain.TurnContext{
		ProjectID:           card.ProjectID,
		IssueID:             card.ID,
		Role:                role.Name,
		Roles:               []string{role.Name},
		CardType:            card.Type,
		CurrentStatus:       card.Status,
		RequiredActionTools: append([]string(nil), rc.RequiredTools...),
		RequiredWritePaths:  append([]string(nil), rc.RequiredWritePaths...),
		RequiredReadPaths:   append([]string(nil), rc.RequiredReadPaths...),
		StageGateMode:       cfg.Turn.StageGateMode,
		Dependencies:        domain.DependencyContext{DependsOn: card.DependsOn},
		Verification: domain.VerificationScope{
			DeclaredTools:    append([]string(nil), role.Tools...),
			ForbiddenPhrases: cfg.Turn.ForbiddenPhrases,
			StrictGrounding:  cfg.Turn.StrictGrounding,
			ToolCallsOnly:    cfg.Turn.ToolCallsOnly,
			WorkspacePaths:   append([]string(nil), vc.WorkspacePaths...),
			ContextItems:     append([]string(nil), vc.ContextItems...),
			Budgets:          copyBudgets(vc.Budgets),
			AllowUnsafePaths: vc.AllowUnsafePaths,
		},
		EnforceSkillContracts: cfg.Governance.EnforceSkillContracts,
		GrantedPermissions:    cfg.Governance.GrantedPermissions,
		RuntimeLimits:         cfg.Governance.RuntimeCaps,
	}
	if tc.StageGateMode == "" {
		tc.StageGateMode = domain.StageGateAdvisory
	}
	for _, s := range rc.RequiredStatuses {
		if st, ok := domain.ParseStatus(s); ok {
			tc.RequiredStatuses = append(tc.RequiredStatuses, st)
		}
	}

	ad := cfg.Turn.ArchitectureDecision
	if ad.Path != "" && contains(ad.Roles, role.Name) {
		tc.ArchitectureDecision = &domain.ArchitectureDecisionRequirement{
			Path:                      ad.Path,
			AllowedRecommendations:    ad.AllowedRecommendations,
			AllowedFrontendFrameworks: ad.AllowedFrontendFrameworks,
			ForcedRecommendation:      ad.ForcedRecommendation,
		}
	}

	tools := make([]string, 0, len(cfg.Skills))
	for tool := range cfg.Skills {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		if !role.Allows(tool) {
			continue
		}
		if tc.SkillBindings == nil {
			tc.SkillBindings = map[string]domain.SkillBinding{}
		}
		skill := cfg.Skills[tool]
		tc.SkillBindings[tool] = domain.SkillBinding{Skill: tool, Permissions: skill.Permissions, Limits: skill.Limits}
	}
	return tc
}

func copyBudgets(in map[string]int) map[string]int {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
