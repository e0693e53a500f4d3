package event

import (
	"strings"

	"github.com/mssola/useragent"
)

func normalizeDeviceType(deviceType, userAgent string) string {
	switch deviceType {
	case DeviceMobile, DeviceTablet, DeviceDesktop:
		return deviceType
	}
	if userAgent != "" {
		return DeviceTypeFromUserAgent(userAgent)
	}
	return DeviceUnknown
}

// DeviceTypeFromUserAgent classifies a browser user agent as mobile, tablet
// or desktop. Bots and empty strings are unknown.
func DeviceTypeFromUserAgent(s string) string {
	if s == "" {
		return DeviceUnknown
	}
	ua := useragent.New(s)
	if ua.Bot() {
		return DeviceUnknown
	}
	if strings.Contains(s, "iPad") || strings.Contains(s, "Tablet") {
		return DeviceTablet
	}
	if ua.Mobile() {
		return DeviceMobile
	}
	return DeviceDesktop
}
