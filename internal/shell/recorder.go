package shell

import (
	"context"
	"strings"
	"sync"
)

// Recorder is an in-memory Runner that records every command instead of
// executing it. Responses are matched by argv prefix; the longest matching
// prefix wins. Commands without a response succeed with empty output.
type Recorder struct {
	mu        sync.Mutex
	Cmds      []Cmd
	responses []response
}

type response struct {
	prefix []string
	res    Result
	err    error
}

func NewRecorder() *Recorder { return &Recorder{} }

// Fail makes commands starting with prefix exit with code 1.
func (r *Recorder) Fail(prefix ...string) *Recorder {
	return r.Respond(Result{Code: 1, Stderr: []byte("scripted failure")}, nil, prefix...)
}

// Stdout makes commands starting with prefix succeed with the given output.
func (r *Recorder) Stdout(out string, prefix ...string) *Recorder {
	return r.Respond(Result{Stdout: []byte(out)}, nil, prefix...)
}

func (r *Recorder) Respond(res Result, err error, prefix ...string) *Recorder {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.responses = append(r.responses, response{prefix: prefix, res: res, err: err})
	return r
}

func (r *Recorder) Run(ctx context.Context, c Cmd) (Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{Args: c.Args, Code: -1}, err
	}
	r.Cmds = append(r.Cmds, c)

	best := -1
	for i, resp := range r.responses {
		if hasPrefix(c.Args, resp.prefix) && (best < 0 || len(resp.prefix) > len(r.responses[best].prefix)) {
			best = i
		}
	}
	if best < 0 {
		return Result{Args: c.Args}, nil
	}
	res := r.responses[best].res
	res.Args = c.Args
	return res, r.responses[best].err
}

// Lines returns every recorded argv joined by spaces.
func (r *Recorder) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Cmds))
	for _, c := range r.Cmds {
		out = append(out, strings.Join(c.Args, " "))
	}
	return out
}

// Matching returns the recorded argv lines that start with prefix.
func (r *Recorder) Matching(prefix ...string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, c := range r.Cmds {
		if hasPrefix(c.Args, prefix) {
			out = append(out, strings.Join(c.Args, " "))
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Cmds = nil
}

func hasPrefix(args, prefix []string) bool {
	if len(prefix) > len(args) {
		return false
	}
	for i := range prefix {
		if args[i] != prefix[i] {
			return false
		}
	}
	return true
}
