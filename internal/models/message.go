// Package models defines the normalized inbound message and the outbound
// response payload union exchanged with messaging providers.
package models

// InboundMessage is the provider-agnostic shape produced by webhook adapters
// and consumed by the pipeline.
type InboundMessage struct {
	Type        string            `json:"type"`
	Text        string            `json:"text"`
	Attachments []Attachment      `json:"attachments,omitempty"`
	MessageID   string            `json:"messageId"`
	Sender      string            `json:"sender"`
	Receiver    string            `json:"receiver"`
	Service     string            `json:"service"`
	// SenderName is the display name reported by the provider, if any.
	SenderName string `json:"senderName,omitempty"`
	// WebhookContext carries provider- and campaign-specific routing hints
	// (e.g. source IP, originating broadcast id).
	WebhookContext map[string]string `json:"webhookContext,omitempty"`
}

// Attachment describes a non-text media item on an inbound message.
type Attachment struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
	Name string `json:"name,omitempty"`
}

// Well-known WebhookContext keys.
const (
	// ContextKeySourceIP is the traffic source used for shared rate limiting.
	ContextKeySourceIP = "source_ip"
	// ContextKeyBroadcastID links the message to an originating broadcast.
	ContextKeyBroadcastID = "broadcast_id"
	// ContextKeyBusinessID scopes agent resolution to one business.
	ContextKeyBusinessID = "business_id"
)

// PayloadType tags the outbound response payload union.
type PayloadType string

const (
	// PayloadTypeText is a plain text reply.
	PayloadTypeText PayloadType = "text"
	// PayloadTypeQuickReply is a message with selectable buttons.
	PayloadTypeQuickReply PayloadType = "quick_reply"
	// PayloadTypeList is a sectioned list of selectable options.
	PayloadTypeList PayloadType = "list"
)

// PayloadOption is one selectable option in a quick_reply or list payload.
type PayloadOption struct {
	Title        string `json:"title"`
	PostbackText string `json:"postbackText,omitempty"`
}

// QuickReplyContent wraps the prompt text of a quick_reply payload.
type QuickReplyContent struct {
	Text string `json:"text"`
}

// ListSection is one titled group of options in a list payload.
type ListSection struct {
	Title   string          `json:"title"`
	Options []PayloadOption `json:"options"`
}

// ResponsePayload is the tagged union handed to delivery adapters. Exactly the
// fields for its Type are populated.
type ResponsePayload struct {
	Type PayloadType `json:"type"`

	// Text is set for type "text".
	Text string `json:"text,omitempty"`

	// Content and Options are set for type "quick_reply".
	Content *QuickReplyContent `json:"content,omitempty"`
	Options []PayloadOption    `json:"options,omitempty"`

	// Title, Body, GlobalButtons and Items are set for type "list".
	Title         string          `json:"title,omitempty"`
	Body          string          `json:"body,omitempty"`
	GlobalButtons []PayloadOption `json:"globalButtons,omitempty"`
	Items         []ListSection   `json:"items,omitempty"`
}

// IsZero reports whether the payload is empty (nothing to deliver).
func (p ResponsePayload) IsZero() bool {
	return p.Type == ""
}

// TextPayload builds a plain text response payload.
func TextPayload(text string) ResponsePayload {
	return ResponsePayload{Type: PayloadTypeText, Text: text}
}

// QuickReplyPayload builds a quick_reply response payload.
func QuickReplyPayload(text string, options []PayloadOption) ResponsePayload {
	return ResponsePayload{
		Type:    PayloadTypeQuickReply,
		Content: &QuickReplyContent{Text: text},
		Options: options,
	}
}

// ListPayload builds a list response payload.
func ListPayload(title, body string, globalButtons []PayloadOption, items []ListSection) ResponsePayload {
	return ResponsePayload{
		Type:          PayloadTypeList,
		Title:         title,
		Body:          body,
		GlobalButtons: globalButtons,
		Items:         items,
	}
}

// PromptText returns the user-visible prompt text of a payload regardless of type.
func (p ResponsePayload) PromptText() string {
	switch p.Type {
	case PayloadTypeText:
		return p.Text
	case PayloadTypeQuickReply:
		if p.Content != nil {
			return p.Content.Text
		}
		return ""
	case PayloadTypeList:
		return p.Body
	default:
		return ""
	}
}

// WithPromptText returns a copy of the payload with its user-visible prompt
// text replaced, preserving any interactive options.
func (p ResponsePayload) WithPromptText(text string) ResponsePayload {
	switch p.Type {
	case PayloadTypeText:
		p.Text = text
	case PayloadTypeQuickReply:
		content := QuickReplyContent{Text: text}
		p.Content = &content
	case PayloadTypeList:
		p.Body = text
	}
	return p
}
