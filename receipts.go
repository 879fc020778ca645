package messenger

// ReadReconciler applies read receipts to message logs and to the
// conversation aggregate.
type ReadReconciler struct {
	selfID string
	merger *Merger
	store  *ConversationStore
}

func NewReadReconciler(selfID string, merger *Merger, store *ConversationStore) *ReadReconciler {
	return &ReadReconciler{selfID: selfID, merger: merger, store: store}
}

// ReceiptResult summarizes the effect of one receipt.
type ReceiptResult struct {
	// Marked is the number of messages that gained the reader in ReadBy.
	Marked int
	// Cleared is set when a receipt from this session zeroed the unread counter.
	Cleared bool
	Self    bool
}

// Apply adds the reader to every message it did not send. A receipt from the
// local participant means the conversation was read on another surface and
// zeroes its unread counter; a peer's receipt never touches the counter.
func (r *ReadReconciler) Apply(receipt ReadReceipt) ReceiptResult {
	res := ReceiptResult{
		Marked: r.merger.markReadBy(receipt.ConversationID, receipt.ReaderID),
		Self:   receipt.ReaderID == r.selfID,
	}
	if res.Self {
		res.Cleared = r.store.ClearUnread(receipt.ConversationID)
	}
	return res
}
