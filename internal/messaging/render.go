package messaging

import (
	"fmt"
	"strings"

	"github.com/ConvoPilot/ConvoPilot/internal/models"
)

// RenderText flattens a response payload into plain text for channels that
// cannot present interactive messages. Options become a numbered list so the
// user can reply with either the number or the option title.
func RenderText(payload models.ResponsePayload) string {
	switch payload.Type {
	case models.PayloadTypeText:
		return payload.Text

	case models.PayloadTypeQuickReply:
		var b strings.Builder
		if payload.Content != nil {
			b.WriteString(payload.Content.Text)
		}
		writeOptions(&b, payload.Options, 1)
		return b.String()

	case models.PayloadTypeList:
		var b strings.Builder
		b.WriteString(payload.Body)
		n := 1
		for _, section := range payload.Items {
			if section.Title != "" && len(payload.Items) > 1 {
				fmt.Fprintf(&b, "\n\n%s:", section.Title)
			}
			writeOptions(&b, section.Options, n)
			n += len(section.Options)
		}
		return b.String()

	default:
		return ""
	}
}

func writeOptions(b *strings.Builder, options []models.PayloadOption, start int) {
	for i, opt := range options {
		fmt.Fprintf(b, "\n%d. %s", start+i, opt.Title)
	}
}
