package orders

type Status string

const (
	StatusCreated          Status = "CREATED"
	StatusReserving        Status = "RESERVING"
	StatusReserved         Status = "RESERVED"
	StatusInvoiceSubmitted Status = "INVOICE_SUBMITTED"
	StatusConfirmed        Status = "CONFIRMED"
	StatusCancelled        Status = "CANCELLED"
)

// validNext is the whole state machine. INVOICE_SUBMITTED only moves once the
// gateway outcome is known; an ambiguous outcome keeps the order where it is
// until the reconciler resolves it via status lookup.
var validNext = map[Status]map[Status]bool{
	StatusCreated:          {StatusReserving: true},
	StatusReserving:        {StatusReserved: true, StatusCancelled: true},
	StatusReserved:         {StatusInvoiceSubmitted: true, StatusCancelled: true},
	StatusInvoiceSubmitted: {StatusConfirmed: true, StatusCancelled: true},
	StatusConfirmed:        {},
	StatusCancelled:        {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

func IsTerminal(s Status) bool {
	return s == StatusConfirmed || s == StatusCancelled
}

// SubmissionStatus is the fiscal authority's view of one invoice submission.
// UNKNOWN means the outcome is ambiguous (timeout, retry bound exceeded) and
// only a status lookup may resolve it; resubmitting risks a duplicate filing.
type SubmissionStatus string

const (
	SubmissionPending  SubmissionStatus = "PENDING"
	SubmissionAccepted SubmissionStatus = "ACCEPTED"
	SubmissionRejected SubmissionStatus = "REJECTED"
	SubmissionUnknown  SubmissionStatus = "UNKNOWN"
)
