package notification

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-scheduling-core/internal/config"
)

// NewSender builds the configured messaging provider. Real providers are
// wrapped in a circuit breaker.
func NewSender(cfg config.Messaging, log zerolog.Logger) (Sender, error) {
	switch cfg.Provider {
	case "", "log":
		return NewLogSender(log), nil
	case "twilio":
		s, err := NewTwilioSender(TwilioConfig{
			AccountSID: cfg.TwilioAccountSID,
			AuthToken:  cfg.TwilioAuthToken,
			From:       cfg.TwilioFrom,
			Channel:    cfg.TwilioChannel,
			BaseURL:    cfg.TwilioBaseURL,
		}, nil)
		if err != nil {
			return nil, err
		}
		return NewBreakerSender("twilio", s, 30*time.Second), nil
	case "whatsapp":
		s, err := NewWhatsAppCloudSender(cfg.WhatsAppToken, cfg.WhatsAppPhoneNumberID, cfg.WhatsAppBaseURL, nil)
		if err != nil {
			return nil, err
		}
		return NewBreakerSender("whatsapp", s, 30*time.Second), nil
	default:
		return nil, fmt.Errorf("unknown MESSAGING_PROVIDER %q", cfg.Provider)
	}
}
