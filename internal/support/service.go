package support

import (
	"context"
	"fmt"
	"strings"

	"github.com/ashureev/caremate/internal/domain"
	"github.com/ashureev/caremate/internal/postprocess"
	"github.com/ashureev/caremate/internal/responder"
)

// Service answers a conversation through a Completer.
type Service struct {
	completer Completer
}

// NewService creates a support service.
func NewService(completer Completer) *Service {
	return &Service{completer: completer}
}

// ParseRiskFlag strips the trailing meta fragment and returns its flag.
// The returned text is always trimmed.
func ParseRiskFlag(text string) (string, bool) {
	clean, risk := postprocess.ExtractRisk(text)
	return strings.TrimSpace(clean), risk
}

// Reply implements responder.Responder.
func (s *Service) Reply(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
	if len(history) > HistoryLimit {
		history = history[len(history)-HistoryLimit:]
	}

	messages := make([]ChatMessage, 0, len(history)+1)
	messages = append(messages, ChatMessage{Role: "system", Content: SystemPrompt})
	for _, m := range history {
		messages = append(messages, ChatMessage{Role: string(m.Role), Content: m.Content})
	}

	text, err := s.completer.Complete(ctx, messages)
	if err != nil {
		return domain.SupportReply{}, fmt.Errorf("complete: %w", err)
	}
	if text == "" {
		text = DefaultReply
	}

	clean, risk := ParseRiskFlag(text)
	return domain.SupportReply{Reply: clean, RiskFlag: risk}, nil
}

var _ responder.Responder = (*Service)(nil)
