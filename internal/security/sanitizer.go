// Package security は外部から取り込むコンテンツの無害化と、外部HTTPアクセスの安全性確保を提供する。
package security

import (
	"html"
	"net/url"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// Sanitizer は外部由来の文字列をサニタイズする。
// 配信タイトル等のプレーンテキストと、ニュース記事本文のHTMLで異なるポリシーを使う。
// bluemondayのポリシーはスレッドセーフなため、1インスタンスを共有できる。
type Sanitizer struct {
	text    *bluemonday.Policy
	article *bluemonday.Policy
}

// NewSanitizer はSanitizerを生成する。
//
// 記事本文ポリシー:
//   - 許可タグ: p, br, a, ul, ol, li, blockquote, strong, em, img
//   - imgのsrc属性: httpsスキームのみ
//   - aタグ: target="_blank" と rel="noopener noreferrer" を自動付与
func NewSanitizer() *Sanitizer {
	article := bluemonday.NewPolicy()
	article.AllowElements("p", "br", "ul", "ol", "li", "blockquote", "strong", "em")
	article.AllowAttrs("href").OnElements("a")
	article.AllowRelativeURLs(false)
	article.AddTargetBlankToFullyQualifiedLinks(true)
	article.RequireNoReferrerOnLinks(true)
	article.AllowAttrs("src", "alt").OnElements("img")
	article.AllowURLSchemeWithCustomPolicy("https", func(*url.URL) bool { return true })

	return &Sanitizer{
		text:    bluemonday.StrictPolicy(),
		article: article,
	}
}

// Text はタグを全て除去したプレーンテキストを返す。
// 配信タイトル・説明文など、HTMLとして描画しない値に使う。
// bluemondayがエスケープした実体参照は元の文字に戻し、前後の空白を除去する。
func (s *Sanitizer) Text(raw string) string {
	if raw == "" {
		return ""
	}
	return strings.TrimSpace(html.UnescapeString(s.text.Sanitize(raw)))
}

// Article は記事本文HTMLを許可リストに従ってサニタイズする。
func (s *Sanitizer) Article(raw string) string {
	if raw == "" {
		return ""
	}
	return s.article.Sanitize(raw)
}
