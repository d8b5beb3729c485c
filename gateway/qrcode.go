package gateway

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"bitbucket.org/mmdatafocus/fiscal_backend/models"
)

// Consumer invoice QR code query endpoints, per state abbreviation.
var qrCodeEndpoints = map[string][2]string{
	// {production, homologation}
	"SP": {
		"https://www.nfce.fazenda.sp.gov.br/NFCeConsultaPublica/Paginas/ConsultaQRCode.aspx",
		"https://www.homologacao.nfce.fazenda.sp.gov.br/NFCeConsultaPublica/Paginas/ConsultaQRCode.aspx",
	},
	"RS": {
		"https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx",
		"https://www.sefaz.rs.gov.br/NFCE/NFCE-COM.aspx",
	},
}

func qrCodeEndpoint(stateAbbr string, env models.Environment) string {
	urls, ok := qrCodeEndpoints[strings.ToUpper(stateAbbr)]
	if !ok {
		urls = qrCodeEndpoints["RS"]
	}
	if env == models.EnvironmentProduction {
		return urls[0]
	}
	return urls[1]
}

// QrCodeURL builds the online (version 2) consumer invoice QR code URL:
// p=key|2|env|cscId|SHA1(key|2|env|cscId + csc).
func QrCodeURL(cfg IssuerConfig, accessKey string) (string, error) {
	cscId, err := strconv.Atoi(strings.TrimSpace(cfg.SecurityCodeId))
	if err != nil || cfg.SecurityCode == "" {
		return "", fmt.Errorf("consumer invoice security code not configured")
	}
	params := fmt.Sprintf("%s|2|%d|%d", accessKey, cfg.Environment.AuthorityCode(), cscId)
	sum := sha1.Sum([]byte(params + cfg.SecurityCode))
	return qrCodeEndpoint(cfg.StateAbbr, cfg.Environment) + "?p=" + params + "|" + strings.ToUpper(hex.EncodeToString(sum[:])), nil
}
