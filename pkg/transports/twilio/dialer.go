package twilio

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/im360john/voice-call-mcp-server/pkg/errorsx"
)

type callCreator interface {
	CreateCall(params *api.CreateCallParams) (*api.ApiV2010Call, error)
}

type callUpdater interface {
	UpdateCall(sid string, params *api.UpdateCallParams) (*api.ApiV2010Call, error)
}

// DialParams places one outbound call. Custom parameters are attached to
// the stream and come back verbatim on the start frame.
type DialParams struct {
	To        string
	From      string
	StreamURL string
	Record    bool
	Custom    map[string]string
}

// Dialer provides outbound call placement and termination via the
// platform's REST API.
type Dialer struct {
	cfg     Config
	creator callCreator
	updater callUpdater
}

func NewDialer(cfg Config) *Dialer {
	return &Dialer{cfg: cfg.withDefaults()}
}

// Dial places an outbound call whose answered leg connects straight to the
// media stream. Failure returns an error and no identifier.
func (d *Dialer) Dial(ctx context.Context, p DialParams) (string, error) {
	_ = ctx
	if p.To == "" || p.From == "" {
		return "", errorsx.Wrap(errors.New("to/from required"), errorsx.ReasonCallPlace)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return "", errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonCallPlace)
	}
	creator := d.creator
	if creator == nil {
		creator = d.restClient().Api
	}
	params := &api.CreateCallParams{}
	params.SetTo(p.To)
	params.SetFrom(p.From)
	params.SetTwiml(StreamTwiML(p.StreamURL, p.Custom))
	if p.Record {
		params.SetRecord(true)
	}
	resp, err := creator.CreateCall(params)
	if err != nil {
		return "", errorsx.Wrap(err, errorsx.ReasonCallPlace)
	}
	if resp == nil || resp.Sid == nil {
		return "", errorsx.Wrap(fmt.Errorf("missing call sid"), errorsx.ReasonCallPlace)
	}
	return *resp.Sid, nil
}

// EndCall terminates a live call by id.
func (d *Dialer) EndCall(ctx context.Context, callSID string) error {
	_ = ctx
	if strings.TrimSpace(callSID) == "" {
		return errorsx.Wrap(errors.New("call sid required"), errorsx.ReasonCallEnd)
	}
	if d.cfg.AccountSID == "" || d.cfg.AuthToken == "" {
		return errorsx.Wrap(errors.New("missing twilio credentials"), errorsx.ReasonCallEnd)
	}
	updater := d.updater
	if updater == nil {
		updater = d.restClient().Api
	}
	params := &api.UpdateCallParams{}
	params.SetStatus("completed")
	_, err := updater.UpdateCall(callSID, params)
	return errorsx.Wrap(err, errorsx.ReasonCallEnd)
}

func (d *Dialer) restClient() *twilio.RestClient {
	return twilio.NewRestClientWithParams(twilio.ClientParams{
		Username: d.cfg.AccountSID,
		Password: d.cfg.AuthToken,
	})
}

// StreamTwiML builds the voice response connecting a call to the media
// stream, with one Parameter element per custom parameter. Parameters are
// ordered for stable output.
func StreamTwiML(streamURL string, custom map[string]string) string {
	var b strings.Builder
	b.WriteString(`<Response><Connect><Stream url="`)
	b.WriteString(xmlEscape(streamURL))
	b.WriteString(`">`)
	keys := make([]string, 0, len(custom))
	for k := range custom {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if custom[k] == "" {
			continue
		}
		b.WriteString(`<Parameter name="`)
		b.WriteString(xmlEscape(k))
		b.WriteString(`" value="`)
		b.WriteString(xmlEscape(custom[k]))
		b.WriteString(`"/>`)
	}
	b.WriteString(`</Stream></Connect></Response>`)
	return b.String()
}

func xmlEscape(in string) string {
	replacer := strings.NewReplacer(
		"&", "&amp;",
		"<", "&lt;",
		">", "&gt;",
		"\"", "&quot;",
		"'", "&apos;",
	)
	return replacer.Replace(in)
}
