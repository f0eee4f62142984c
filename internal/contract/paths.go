package contract

import "cardline/internal/domain"

const (
	ReasonMissingWritePaths = "write_path.missing"
	ReasonMissingReadPaths  = "read_path.missing"
	NoticeReadPathNotFound  = "read_path.not_found"
)

func (v Validator) writePaths(in Input, res *Result) {
	if len(in.Context.RequiredWritePaths) == 0 {
		return
	}
	written := v.observedPaths(in.Turn.ToolCalls, v.Policy.WriteTools)
	if missing := missingFrom(in.Context.RequiredWritePaths, written, domain.NormalizePath); len(missing) > 0 {
		res.add(AxisWritePath, ReasonMissingWritePaths, missing...)
	}
}

// readPaths enforces required reads that exist in the workspace. Required paths that do
// not exist cannot be read, so they are surfaced as notices.
func (v Validator) readPaths(in Input, res *Result) {
	if len(in.Context.RequiredReadPaths) == 0 {
		return
	}
	var existing []string
	for _, p := range in.Context.RequiredReadPaths {
		n := domain.NormalizePath(p)
		if n == "" {
			continue
		}
		if v.FS != nil && !v.FS.Exists(n) {
			res.notice(NoticeReadPathNotFound + ": " + n)
			continue
		}
		existing = append(existing, n)
	}
	read := v.observedPaths(in.Turn.ToolCalls, v.Policy.ReadTools)
	if missing := missingFrom(existing, read, domain.NormalizePath); len(missing) > 0 {
		res.add(AxisReadPath, ReasonMissingReadPaths, missing...)
	}
}
