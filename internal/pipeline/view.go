package pipeline

import "github.com/angelmondragon/leadflow-backend/pkg/db/models"

// leadView mirrors the intake view so required-field checks agree.
func leadView(lead *models.Lead) map[string]any {
	view := make(map[string]any, len(lead.Fields)+5)
	for k, v := range lead.Fields {
		view[k] = v
	}
	view["form_kind"] = lead.FormKind
	if lead.Email != "" {
		view["email"] = lead.Email
	}
	if lead.Phone != nil {
		view["phone"] = *lead.Phone
	}
	if lead.Name != nil {
		view["name"] = *lead.Name
	}
	if len(lead.Context) > 0 {
		view["context"] = map[string]any(lead.Context)
	}
	return view
}
