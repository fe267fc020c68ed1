package fhir

import (
	"net/http"
	"time"
)

// EntryOutcome pairs a processed entry with its result or failure.
type EntryOutcome struct {
	Interaction Interaction
	Result      *EntryResult
	Err         *OperationError
}

// Assemble builds the batch-response or transaction-response bundle, one
// entry per outcome in the same order.
func Assemble(requestType string, outcomes []EntryOutcome, pref PreferReturnPreference, baseURL string, now time.Time) *Bundle {
	responseType := BundleTypeBatchResponse
	if requestType == BundleTypeTransaction {
		responseType = BundleTypeTransactionResponse
	}

	b := newBundle(responseType, now)
	b.Entry = make([]BundleEntry, 0, len(outcomes))
	for _, o := range outcomes {
		if o.Err != nil {
			b.Entry = append(b.Entry, ErrorEntry(o.Err))
			continue
		}
		b.Entry = append(b.Entry, AssembleEntry(o.Interaction, o.Result, pref, baseURL))
	}
	return b
}

// ErrorEntry renders a failed interaction: its status and an
// OperationOutcome as the entry resource.
func ErrorEntry(opErr *OperationError) BundleEntry {
	return BundleEntry{
		Resource: opErr.Outcome().Map(),
		Response: &BundleResponse{Status: StatusText(opErr.Status)},
	}
}

// AssembleEntry renders a successful interaction. Read-type interactions and
// operations always carry their body; writes follow pref.
func AssembleEntry(in Interaction, res *EntryResult, pref PreferReturnPreference, baseURL string) BundleEntry {
	status := res.Status
	if status == http.StatusNoContent && pref != ReturnMinimal {
		status = http.StatusOK
	}

	entry := BundleEntry{Response: &BundleResponse{Status: StatusText(status)}}

	if res.ResourceType != "" && res.ID != "" && res.Resource != nil && ResourceTypeOf(res.Resource) == res.ResourceType {
		entry.FullURL = baseURL + "/" + FormatReference(res.ResourceType, res.ID)
	}

	if in.Kind.Writes() && res.Location != "" {
		entry.Response.Location = res.Location
	}
	if res.VersionID > 0 {
		entry.Response.Etag = FormatETag(res.VersionID)
	}
	if !res.LastModified.IsZero() {
		lm := res.LastModified.UTC()
		entry.Response.LastModified = &lm
	}

	switch {
	case in.Kind.Reads(), in.Kind == KindOperation:
		entry.Resource = res.Resource
	case pref == ReturnRepresentation:
		entry.Resource = res.Resource
	case pref == ReturnOperationOutcome:
		entry.Resource = NewOutcomeBuilder().AddIssues(res.Issues...).Build().Map()
	}
	return entry
}
