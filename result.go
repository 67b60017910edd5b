package cfdkim

import "fmt"

// Summary is the outcome class of a verification.
type Summary string

const (
	SummaryPass    Summary = "pass"
	SummaryFail    Summary = "fail"
	SummaryNeutral Summary = "neutral"
)

// A Result is the outcome of verifying a message on behalf of a From
// domain: pass for the first signature that verified, fail with the last
// per-signature error otherwise, or neutral when no signature matched the
// domain at all.
type Result struct {
	Summary Summary
	Domain  string

	// Err is the last per-signature error when Summary is SummaryFail.
	Err error

	// Canonicalization used by the passing signature.
	HeaderCanonicalization Canonicalization
	BodyCanonicalization   Canonicalization
}

func pass(domain string, headerCan, bodyCan Canonicalization) *Result {
	return &Result{
		Summary:                SummaryPass,
		Domain:                 domain,
		HeaderCanonicalization: headerCan,
		BodyCanonicalization:   bodyCan,
	}
}

func fail(err error, domain string) *Result {
	return &Result{Summary: SummaryFail, Domain: domain, Err: err}
}

func neutral(domain string) *Result {
	return &Result{Summary: SummaryNeutral, Domain: domain}
}

// String returns the summary, with the failure reason when there is one.
func (r *Result) String() string {
	if r.Summary == SummaryFail && r.Err != nil {
		return fmt.Sprintf("fail (%v)", r.Err)
	}
	return string(r.Summary)
}
