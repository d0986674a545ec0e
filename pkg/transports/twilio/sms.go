package twilio

import (
	"context"
	"errors"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
)

type messageCreator interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// SMSSender delivers text messages through the platform's REST API.
type SMSSender struct {
	cfg     Config
	creator messageCreator
}

func NewSMSSender(cfg Config) *SMSSender {
	return &SMSSender{cfg: cfg.withDefaults()}
}

// Send delivers one message and returns the platform's message id.
func (s *SMSSender) Send(ctx context.Context, to, from, body string) (string, error) {
	_ = ctx
	if to == "" || from == "" || body == "" {
		return "", errorsx.Wrap(errors.New("to/from/body required"), errorsx.ReasonSMSSend)
	}
	if s.cfg.AccountSID == "" || s.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonSMSSend)
	}
	creator := s.creator
	if creator == nil {
		rest := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: s.cfg.AccountSID,
			Password: s.cfg.AuthToken,
		})
		creator = rest.Api
	}
	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)
	resp, err := creator.CreateMessage(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonSMSSend)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(errors.New("missing message sid"), errorsx.ReasonSMSSend)
	}
	return *resp.Sid, nil
}
