package pipeline

import (
	"context"
	"net/url"
	"strings"

	"gorm.io/datatypes"

	"github.com/angelmondragon/leadflow-backend/pkg/db/models"
	"github.com/angelmondragon/leadflow-backend/pkg/enums"
	"github.com/angelmondragon/leadflow-backend/pkg/queue"
)

var freeMailDomains = map[string]struct{}{
	"gmail.com":      {},
	"googlemail.com": {},
	"yahoo.com":      {},
	"hotmail.com":    {},
	"outlook.com":    {},
	"live.com":       {},
	"icloud.com":     {},
	"aol.com":        {},
	"proton.me":      {},
	"protonmail.com": {},
	"gmx.com":        {},
}

var paidMediums = map[string]struct{}{
	"cpc":     {},
	"ppc":     {},
	"paid":    {},
	"display": {},
}

// Enrich derives domain, free-mail and channel attributes for a validated lead.
func (p *Pipeline) Enrich(ctx context.Context, msg queue.Message) error {
	lead, err := p.load(ctx, msg)
	if err != nil {
		return err
	}
	ctx = p.logg.WithLeadID(ctx, lead.ID.String())
	if p.skip(ctx, lead, enums.LeadStatusValidated) {
		return nil
	}

	enrichment := Enrichment(lead)
	moved, err := p.advance(ctx, lead, enums.LeadStatusEnriched,
		map[string]any{"enrichment": datatypes.JSONMap(enrichment)},
		p.stageIntent(lead, enums.TaskLeadRoute))
	if err != nil {
		return err
	}
	if moved {
		p.logg.Info(p.logg.WithField(ctx, "channel", enrichment["channel"]), "lead.enriched")
	}
	return nil
}

// Enrichment computes the derived attributes stored on the lead.
func Enrichment(lead *models.Lead) map[string]any {
	out := map[string]any{}
	if domain := emailDomain(lead.Email); domain != "" {
		out["email_domain"] = domain
		_, free := freeMailDomains[domain]
		out["free_mail"] = free
	}

	utm := map[string]any{}
	for k, v := range lead.Context {
		if !strings.HasPrefix(k, "utm_") {
			continue
		}
		if s, ok := v.(string); ok {
			if s = strings.ToLower(strings.TrimSpace(s)); s != "" {
				utm[k] = s
			}
		}
	}
	if len(utm) > 0 {
		out["utm"] = utm
	}
	out["channel"] = channel(utm, contextString(lead.Context, "referrer"))
	return out
}

func channel(utm map[string]any, referrer string) string {
	medium, _ := utm["utm_medium"].(string)
	source, _ := utm["utm_source"].(string)
	switch {
	case medium == "email" || source == "newsletter":
		return "email"
	case isPaid(medium):
		return "paid"
	case medium == "social":
		return "social"
	case source != "":
		return "campaign"
	case referrer != "":
		if host := referrerHost(referrer); host != "" {
			return "referral"
		}
	}
	return "direct"
}

func isPaid(medium string) bool {
	_, ok := paidMediums[medium]
	return ok
}

func referrerHost(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func contextString(ctx map[string]any, key string) string {
	s, _ := ctx[key].(string)
	return s
}
