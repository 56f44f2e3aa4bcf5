package vpnconfig

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"fastraygram/internal/xui"
	"fastraygram/pkg/logging"
)

// connectionURL prefers the link the panel's subscription service hands out
// and falls back to building one from the inbound settings.
func (s *Service) connectionURL(ctx context.Context, inbound *xui.Inbound, client *xui.InboundClient) string {
	if link := s.subscriptionLink(ctx, s.subscriptionURL(client.SubID)); link != "" {
		return withRemark(link, inbound.Remark)
	}
	return s.buildLink(inbound, client)
}

// subscriptionLink returns the first link of a subscription, or "" when the
// subscription cannot be fetched.
func (s *Service) subscriptionLink(ctx context.Context, subURL string) string {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, subURL, nil)
	if err != nil {
		logging.Errorf("Failed to build subscription request %s: %v", subURL, err)
		return ""
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		logging.Errorf("Failed to fetch subscription %s: %v", subURL, err)
		return ""
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		logging.Debugf("Subscription %s answered %d", subURL, resp.StatusCode)
		return ""
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		logging.Errorf("Failed to read subscription %s: %v", subURL, err)
		return ""
	}
	text := strings.TrimSpace(string(body))
	if decoded, err := base64.StdEncoding.DecodeString(text); err == nil {
		text = string(decoded)
	} else {
		logging.Debugf("Subscription %s is not base64, using it as is", subURL)
	}
	return firstLine(text)
}

func firstLine(text string) string {
	sc := bufio.NewScanner(strings.NewReader(strings.TrimSpace(text)))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	if sc.Scan() {
		return strings.TrimSpace(sc.Text())
	}
	return ""
}

// withRemark replaces the link's fragment with "<remark>-fast-ray-gram".
// Links without a fragment are returned unchanged.
func withRemark(link, remark string) string {
	i := strings.IndexByte(link, '#')
	if i < 0 {
		return link
	}
	return link[:i] + "#" + remark + "-" + remarkSuffix
}

func (s *Service) buildLink(inbound *xui.Inbound, client *xui.InboundClient) string {
	stream := inbound.StreamSettings
	switch inbound.Remark {
	case "vless":
		reality := stream.RealitySettings
		var sid, sni string
		if reality != nil && len(reality.ShortIDs) > 0 {
			sid = reality.ShortIDs[0]
		}
		if reality != nil && len(reality.ServerNames) > 0 {
			sni = reality.ServerNames[0]
		}
		q := []string{
			"encryption=" + inbound.Settings.Encryption,
			"flow=" + client.Flow,
			"fp=" + reality.Setting("fingerprint", "chrome"),
			"pbk=" + reality.Setting("publicKey", ""),
			"security=" + stream.Security,
			"sid=" + sid,
			"sni=" + sni,
			"spx=" + url.QueryEscape(reality.Setting("spiderX", "/")),
			"type=" + stream.Network,
		}
		return fmt.Sprintf("vless://%s@%s:%d?%s#%s-%s",
			client.ID, s.xui.Host, inbound.Port, strings.Join(q, "&"), inbound.Remark, remarkSuffix)
	case "trojan":
		return fmt.Sprintf("trojan://%s@%s:%d?security=%s&type=%s#%s-%s",
			client.Password, s.xui.Host, inbound.Port, stream.Security, stream.Network, inbound.Remark, client.Email)
	default:
		return ""
	}
}
