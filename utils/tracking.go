package utils

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// GenerateTrackingPixelURL generates a tracking pixel URL for email opens
func GenerateTrackingPixelURL(baseURL, messageID string) string {
	token := generateUniqueToken(messageID)
	return fmt.Sprintf("%s/track/open/%s/%s", baseURL, url.PathEscape(messageID), token)
}

// GenerateClickTrackURL generates a tracked URL for links
func GenerateClickTrackURL(baseURL, messageID, originalURL string) string {
	token := generateUniqueToken(messageID)
	encodedURL := url.QueryEscape(originalURL)
	return fmt.Sprintf("%s/track/click/%s/%s?url=%s", baseURL, url.PathEscape(messageID), token, encodedURL)
}

// InjectTracking appends the open pixel and rewrites links for click
// tracking in the outgoing HTML body
func InjectTracking(htmlContent, baseURL, messageID string, trackOpens, trackClicks bool) string {
	modified := htmlContent
	if trackClicks {
		modified = injectClickTracking(modified, baseURL, messageID)
	}
	if trackOpens {
		pixelURL := GenerateTrackingPixelURL(baseURL, messageID)
		modified += fmt.Sprintf(`<img src="%s" alt="" width="1" height="1" style="display:none">`, pixelURL)
	}
	return modified
}

func injectClickTracking(html, baseURL, messageID string) string {
	startTag := `<a href="`
	endTag := `"`
	offset := 0

	for {
		startIdx := strings.Index(html[offset:], startTag)
		if startIdx == -1 {
			break
		}
		startIdx += offset + len(startTag)

		endIdx := strings.Index(html[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		endIdx += startIdx

		originalURL := html[startIdx:endIdx]
		trackedURL := GenerateClickTrackURL(baseURL, messageID, originalURL)

		html = html[:startIdx] + trackedURL + html[endIdx:]
		offset = startIdx + len(trackedURL)
	}

	return html
}

func generateUniqueToken(messageID string) string {
	hash := sha256.Sum256([]byte(uuid.New().String() + messageID))
	return base64.URLEncoding.EncodeToString(hash[:])[:20]
}
