package cfi

import (
	"bufio"
	"fmt"
	"io"
)

// Report is the machine-readable form of a Result.
type Report struct {
	Virtual ChannelReport `json:"virtual" yaml:"virtual"`
	Plain   ChannelReport `json:"plain" yaml:"plain"`
}

// ChannelReport lists the branches and targets of one channel, grouped by
// signature.
type ChannelReport struct {
	Branches []SignatureBranches `json:"branches,omitempty" yaml:"branches,omitempty"`
	Targets  []SignatureTargets  `json:"targets,omitempty" yaml:"targets,omitempty"`
}

// SignatureBranches lists the call sites of one signature.
type SignatureBranches struct {
	Signature string   `json:"signature" yaml:"signature"`
	Sites     []Branch `json:"sites" yaml:"sites"`
}

// SignatureTargets lists the allowed targets of one signature.
type SignatureTargets struct {
	Signature string   `json:"signature" yaml:"signature"`
	Functions []string `json:"functions" yaml:"functions"`
}

// Branch is one indirect call site.
type Branch struct {
	Site     string `json:"site" yaml:"site"`
	Location string `json:"location,omitempty" yaml:"location,omitempty"`
}

// Report builds the machine-readable report. Signatures are sorted by name,
// sites by program position and functions by name.
func (r *Result) Report() *Report {
	return &Report{
		Virtual: r.channelReport(Virtual),
		Plain:   r.channelReport(Plain),
	}
}

func (r *Result) channelReport(ch Channel) ChannelReport {
	var out ChannelReport
	for _, sig := range r.Signatures(ch) {
		name := r.names.ComputeSignatureName(sig)
		if calls := r.Branches(sig, ch); len(calls) > 0 {
			sb := SignatureBranches{Signature: name}
			for _, call := range calls {
				branch := Branch{Site: SiteName(call)}
				if loc := call.Loc(); loc != nil {
					branch.Location = loc.String()
				}
				sb.Sites = append(sb.Sites, branch)
			}
			out.Branches = append(out.Branches, sb)
		}
		if fns, err := r.Targets(sig, ch); err == nil {
			st := SignatureTargets{Signature: name}
			for _, fn := range fns {
				st.Functions = append(st.Functions, fn.Name())
			}
			out.Targets = append(out.Targets, st)
		}
	}
	return out
}

// Dump writes the human-readable diagnostic listing of the result: the
// virtual channel first, then the plain one. Branches print their source
// location, or <unknown> when the call carries no debug location.
func (r *Result) Dump(w io.Writer) error {
	bw := bufio.NewWriter(w)
	report := r.Report()

	sections := []struct {
		cfg, branches, targets string
		report                 ChannelReport
	}{
		{"Virtual Function CFG:", "Virtual Function Branches:", "Virtual Function Targets:", report.Virtual},
		{"Function Pointer CFG:", "Function Pointer Branches:", "Function Pointer Targets:", report.Plain},
	}
	for _, s := range sections {
		fmt.Fprintln(bw, s.cfg)
		fmt.Fprintln(bw, s.branches)
		for _, sb := range s.report.Branches {
			fmt.Fprintf(bw, "Type: %s\n", sb.Signature)
			for _, site := range sb.Sites {
				loc := site.Location
				if loc == "" {
					loc = "<unknown>"
				}
				fmt.Fprintln(bw, loc)
			}
		}
		fmt.Fprintln(bw, s.targets)
		for _, st := range s.report.Targets {
			fmt.Fprintf(bw, "Type: %s\n", st.Signature)
			for _, fn := range st.Functions {
				fmt.Fprintln(bw, fn)
			}
		}
	}
	return bw.Flush()
}
