package pipeline

import (
	"context"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

var validate = validator.New()

// disposableDomains are throwaway-inbox providers that never convert.
var disposableDomains = map[string]struct{}{
	"mailinator.com":    {},
	"guerrillamail.com": {},
	"10minutemail.com":  {},
	"tempmail.com":      {},
	"temp-mail.org":     {},
	"yopmail.com":       {},
	"trashmail.com":     {},
	"sharklasers.com":   {},
	"getnada.com":       {},
	"dispostable.com":   {},
}

// Validate moves a received lead to validated, or rejects it.
func (p *Pipeline) Validate(ctx context.Context, msg queue.Message) error {
	lead, err := p.load(ctx, msg)
	if err != nil {
		return err
	}
	ctx = p.logg.WithLeadID(ctx, lead.ID.String())
	if p.skip(ctx, lead, enums.LeadStatusReceived) {
		return nil
	}

	snap, err := p.policies.Policy(ctx, lead.FormKind)
	if err != nil {
		return err
	}
	if missing := snap.MissingRequired(leadView(lead)); len(missing) > 0 {
		return p.reject(ctx, lead, enums.LeadRejectionMissingRequired)
	}
	if lead.Email != "" {
		if err := validate.Var(lead.Email, "required,email"); err != nil {
			return p.reject(ctx, lead, enums.LeadRejectionInvalidEmail)
		}
		if _, ok := disposableDomains[emailDomain(lead.Email)]; ok {
			return p.reject(ctx, lead, enums.LeadRejectionDisposableDomain)
		}
	}

	moved, err := p.advance(ctx, lead, enums.LeadStatusValidated, nil, p.stageIntent(lead, enums.TaskLeadEnrich))
	if err != nil {
		return err
	}
	if moved {
		p.logg.Info(ctx, "lead.validated")
	}
	return nil
}

func emailDomain(addr string) string {
	at := strings.LastIndexByte(addr, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
