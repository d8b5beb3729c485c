package webhook

import (
	"context"
	"net/url"
	"strings"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
	"bitbucket.org/mmdatafocus/fiscal_backend/store"
)

// Config is a tenant's webhook settings as shown to the tenant. Secret is
// masked except in the response that created it.
type Config struct {
	Url    string             `json:"webhook_url"`
	Secret string             `json:"webhook_secret"`
	Events []models.EventKind `json:"events"`
}

type ConfigUpdate struct {
	Url    *string            `json:"url"`
	Events []models.EventKind `json:"events"`
}

func configOf(t *models.Tenant) Config {
	cfg := Config{Events: t.SubscribedEvents()}
	if cfg.Events == nil {
		cfg.Events = []models.EventKind{}
	}
	if t.WebhookUrl != nil {
		cfg.Url = *t.WebhookUrl
	}
	if t.WebhookSecret != nil {
		cfg.Secret = MaskSecret(*t.WebhookSecret)
	}
	return cfg
}

func GetConfig(ctx context.Context, st store.TenantStore, tenantId string) (Config, error) {
	t, err := st.GetTenant(ctx, tenantId)
	if err != nil {
		return Config{}, err
	}
	return configOf(t), nil
}

func validateUrl(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.NewValidationError("webhook url must be an absolute http(s) url")
	}
	return nil
}

// UpdateConfig changes the url and/or subscribed events. The first time a url
// is set a secret is generated and returned unmasked.
func UpdateConfig(ctx context.Context, st store.TenantStore, tenantId string, upd ConfigUpdate) (Config, error) {
	t, err := st.GetTenant(ctx, tenantId)
	if err != nil {
		return Config{}, err
	}

	var created string
	if upd.Url != nil {
		u := strings.TrimSpace(*upd.Url)
		if u == "" {
			t.WebhookUrl = nil
		} else {
			if err := validateUrl(u); err != nil {
				return Config{}, err
			}
			t.WebhookUrl = &u
			if t.WebhookSecret == nil || *t.WebhookSecret == "" {
				if created, err = GenerateSecret(); err != nil {
					return Config{}, err
				}
				t.WebhookSecret = &created
			}
		}
	}
	if upd.Events != nil {
		for _, k := range upd.Events {
			if !k.Valid() {
				return Config{}, models.NewValidationError("unknown event kind %q", k)
			}
		}
		if err := t.SetSubscribedEvents(upd.Events); err != nil {
			return Config{}, err
		}
	}
	if err := st.SaveTenant(ctx, t); err != nil {
		return Config{}, err
	}

	cfg := configOf(t)
	if created != "" {
		cfg.Secret = created
	}
	return cfg, nil
}

// RegenerateSecret replaces the signing secret. Deliveries already queued keep
// the signature computed under the old secret.
func RegenerateSecret(ctx context.Context, st store.TenantStore, tenantId string) (string, error) {
	t, err := st.GetTenant(ctx, tenantId)
	if err != nil {
		return "", err
	}
	secret, err := GenerateSecret()
	if err != nil {
		return "", err
	}
	t.WebhookSecret = &secret
	if err := st.SaveTenant(ctx, t); err != nil {
		return "", err
	}
	return secret, nil
}
