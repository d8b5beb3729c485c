package workflow

import "bitbucket.org/mmdatafocus/fiscal_backend/models"

// kindRules is the fixed transition table for one document kind.
type kindRules struct {
	canCancel         bool
	canCorrect        bool
	canClose          bool
	canInvalidate     bool
	needsSecurityCode bool

	authorized models.EventKind
	rejected   models.EventKind
	failed     models.EventKind
	canceled   models.EventKind
	corrected  models.EventKind
	closed     models.EventKind
}

var rulesByKind = map[models.DocumentKind]kindRules{
	models.DocumentKindGoodsInvoice: {
		canCancel:  true,
		canCorrect: true,
		authorized: models.EventInvoiceAuthorized,
		rejected:   models.EventInvoiceRejected,
		failed:     models.EventInvoiceFailed,
		canceled:   models.EventInvoiceCanceled,
		corrected:  models.EventInvoiceCorrected,
	},
	models.DocumentKindConsumerInvoice: {
		canCancel:         true,
		canInvalidate:     true,
		needsSecurityCode: true,
		authorized:        models.EventInvoiceAuthorized,
		rejected:          models.EventInvoiceRejected,
		failed:            models.EventInvoiceFailed,
		canceled:          models.EventInvoiceCanceled,
	},
	models.DocumentKindManifest: {
		canCancel:  true,
		canClose:   true,
		authorized: models.EventManifestAuthorized,
		rejected:   models.EventManifestRejected,
		failed:     models.EventManifestFailed,
		canceled:   models.EventManifestCanceled,
		closed:     models.EventManifestClosed,
	},
	models.DocumentKindServiceInvoice: {
		canCancel:  true,
		authorized: models.EventServiceAuthorized,
		rejected:   models.EventServiceRejected,
		failed:     models.EventServiceFailed,
		canceled:   models.EventServiceCanceled,
	},
}

func rulesFor(kind models.DocumentKind) (kindRules, error) {
	r, ok := rulesByKind[kind]
	if !ok {
		return kindRules{}, models.NewValidationError("unsupported document kind %q", kind)
	}
	return r, nil
}
