package main

import (
	"io"

	http "github.com/bogdanfinn/fhttp"
)

// PseudoHeaderOrder is the standard HTTP/2 pseudo-header order for all requests.
var PseudoHeaderOrder = []string{
	":method",
	":authority",
	":scheme",
	":path",
}

// MobileUserAgent is the in-app browser the seat pages are designed for.
const MobileUserAgent = "Mozilla/5.0 (iPhone; CPU iPhone OS 10_3_1 like Mac OS X) AppleWebKit/603.1.3 (KHTML, like Gecko) Version/10.0 Mobile/14E304 Safari/602.1 wechatdevtools/1.05.2109131 MicroMessenger/8.0.5 Language/zh_CN webview/16364215743155638"

// readResponseBody decompresses and reads the full response body.
// Caller should defer resp.Body.Close() before calling this.
func readResponseBody(resp *http.Response) ([]byte, error) {
	body := http.DecompressBody(resp)
	defer body.Close()
	return io.ReadAll(body)
}

// mobileHeaders are sent on login, seat page, submit and room list requests.
func mobileHeaders() http.Header {
	return http.Header{
		"Accept":           {"application/json, text/javascript, */*; q=0.01"},
		"Accept-Encoding":  {"gzip, deflate, br, zstd"},
		"Cache-Control":    {"no-cache"},
		"Connection":       {"keep-alive"},
		"Accept-Language":  {"zh-CN,zh;q=0.9,en-US;q=0.8,en;q=0.7"},
		"User-Agent":       {MobileUserAgent},
		"X-Requested-With": {"XMLHttpRequest"},
		"Content-Type":     {"application/x-www-form-urlencoded; charset=UTF-8"},
		http.HeaderOrderKey: {
			"Accept",
			"Accept-Encoding",
			"Cache-Control",
			"Connection",
			"Accept-Language",
			"User-Agent",
			"X-Requested-With",
			"Content-Type",
			"Content-Length",
			"Cookie",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}
}

// browserHeaders are sent to the captcha service, matching DefaultProfile.
func browserHeaders(referer string) http.Header {
	return http.Header{
		"Referer":                   {referer},
		"Pragma":                    {"no-cache"},
		"sec-ch-ua":                 {DefaultProfile.SecChUa},
		"sec-ch-ua-mobile":          {DefaultProfile.Mobile},
		"sec-ch-ua-platform":        {DefaultProfile.Platform},
		"Sec-Fetch-Dest":            {"document"},
		"Sec-Fetch-Mode":            {"navigate"},
		"Sec-Fetch-Site":            {"none"},
		"Sec-Fetch-User":            {"?1"},
		"Upgrade-Insecure-Requests": {"1"},
		"User-Agent":                {DefaultProfile.UserAgent},
		"Accept-Encoding":           {"gzip, deflate, br, zstd"},
		http.HeaderOrderKey: {
			"Referer",
			"Pragma",
			"sec-ch-ua",
			"sec-ch-ua-mobile",
			"sec-ch-ua-platform",
			"Sec-Fetch-Dest",
			"Sec-Fetch-Mode",
			"Sec-Fetch-Site",
			"Sec-Fetch-User",
			"Upgrade-Insecure-Requests",
			"User-Agent",
			"Accept-Encoding",
			"Cookie",
		},
		http.PHeaderOrderKey: PseudoHeaderOrder,
	}
}
