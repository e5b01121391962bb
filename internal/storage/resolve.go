package storage

// Pure write-resolution helpers shared by both backend implementations so
// that create-or-update semantics cannot drift between them.

// ApplyDocumentInput merges a DocumentInput into an existing row, or builds a
// fresh row when existing is nil. On insert, CreatedAt defaults to now; on
// update, CreatedAt and SavedAt are preserved unless explicitly supplied.
// UpdatedAt is always stamped and never allowed below CreatedAt.
func ApplyDocumentInput(existing *Document, input DocumentInput, nowSeconds int64) Document {
	doc := Document{DocID: input.DocID}
	if existing != nil {
		doc = *existing
	}

	if input.CreatedAtSeconds != nil {
		doc.CreatedAtSeconds = *input.CreatedAtSeconds
	} else if existing == nil {
		doc.CreatedAtSeconds = nowSeconds
	}
	if input.Title != nil {
		doc.Title = input.Title
	}
	if input.ActivePolicyID != nil {
		doc.ActivePolicyID = input.ActivePolicyID
	}
	if input.HeadFrontier != nil {
		doc.HeadFrontier = input.HeadFrontier
	}
	if input.SetSavedAt {
		doc.SavedAtSeconds = input.SavedAtSeconds
	}

	doc.UpdatedAtSeconds = nowSeconds
	if doc.UpdatedAtSeconds < doc.CreatedAtSeconds {
		doc.UpdatedAtSeconds = doc.CreatedAtSeconds
	}
	return doc
}

// ResolveAnnotationUpsert merges an incoming annotation over an existing row,
// bumping the version counter on replace and preserving creation time.
func ResolveAnnotationUpsert(existing *Annotation, incoming Annotation, nowSeconds int64) Annotation {
	resolved := incoming
	if resolved.State == "" {
		resolved.State = AnnotationStateActive
	}
	if existing == nil {
		resolved.Version = 1
		resolved.CreatedAtSeconds = nowSeconds
	} else {
		resolved.Version = existing.Version + 1
		resolved.CreatedAtSeconds = existing.CreatedAtSeconds
	}
	resolved.UpdatedAtSeconds = nowSeconds
	return resolved
}

// ResolveListOrder returns the effective sort field and direction for a
// listing. An unspecified order defaults to savedAt descending for saved-only
// listings and updatedAt descending otherwise.
func ResolveListOrder(opts ListDocumentsOptions) (OrderField, bool) {
	if opts.OrderBy == "" {
		if opts.SavedOnly {
			return OrderBySavedAt, true
		}
		return OrderByUpdatedAt, true
	}
	return opts.OrderBy, opts.Descending
}
