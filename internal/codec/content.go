package codec

// ItemKind tags the closed set of conversation item contents. Adding a
// content kind means adding a variant here and a case to every switch;
// decode rejects tags outside this set.
type ItemKind string

const (
	KindChatText           ItemKind = "chat_text"
	KindReflectionQuestion ItemKind = "reflection_question"
	KindReflectionResponse ItemKind = "reflection_response"
	KindSummary            ItemKind = "summary"
	KindUIEvent            ItemKind = "ui_event"
)

// DisplayAuthor says who the client renders the item as coming from.
type DisplayAuthor string

const (
	AuthorSelf  DisplayAuthor = "self"
	AuthorOther DisplayAuthor = "other"
)

// BlockReason marks an item that downstream processing must skip.
type BlockReason string

const (
	BlockReasonModeration  BlockReason = "moderation"
	BlockReasonUserRequest BlockReason = "user_request"
)

type PartKind string

const (
	PartParagraph   PartKind = "paragraph"
	PartJourneyLink PartKind = "journey_link"
)

// Part is one paragraph or journey-link segment of an item's body.
type Part struct {
	Kind       PartKind `json:"kind"`
	Text       string   `json:"text,omitempty"`
	JourneyUID string   `json:"journeyUid,omitempty"`
}

type UIEventKind string

const (
	UIEventTookContent UIEventKind = "took_content"
	UIEventDismissed   UIEventKind = "dismissed"
)

// Content is the sealed variant interface over item bodies.
type Content interface {
	Kind() ItemKind
	content()
}

type ChatText struct {
	Parts []Part `json:"parts"`
}

func (ChatText) Kind() ItemKind { return KindChatText }
func (ChatText) content()       {}

type ReflectionQuestion struct {
	Parts []Part `json:"parts"`
}

func (ReflectionQuestion) Kind() ItemKind { return KindReflectionQuestion }
func (ReflectionQuestion) content()       {}

type ReflectionResponse struct {
	Parts []Part `json:"parts"`
}

func (ReflectionResponse) Kind() ItemKind { return KindReflectionResponse }
func (ReflectionResponse) content()       {}

type Summary struct {
	Parts []Part `json:"parts"`
}

func (Summary) Kind() ItemKind { return KindSummary }
func (Summary) content()       {}

type UIEvent struct {
	Event UIEventKind `json:"event"`
}

func (UIEvent) Kind() ItemKind { return KindUIEvent }
func (UIEvent) content()       {}

// Item is the decrypted form of one journal entry item. It exists only in
// memory for the duration of a request or a stream replay; callers drop it
// via Wipe when done.
type Item struct {
	Content        Content
	Author         DisplayAuthor
	BlockedReasons []BlockReason
}

// Wipe discards the item's decrypted content so it does not linger past
// its use. Required cleanup on every stream exit path.
func (it *Item) Wipe() {
	if it == nil {
		return
	}
	it.Content = nil
	it.Author = ""
	it.BlockedReasons = nil
}
