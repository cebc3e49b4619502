// Package richtext converts a restricted Markdown dialect into the chat
// service's "post" document model.
package richtext

// Element tags understood by the post model.
const (
	TagText      = "text"
	TagLink      = "a"
	TagCodeBlock = "code_block"
)

// Text styles. The basic variant strips all of them.
const (
	StyleBold   = "bold"
	StyleItalic = "italic"
	StyleCode   = "code"
)

// Element is one inline element of a post paragraph.
type Element struct {
	Tag      string   `json:"tag"`
	Text     string   `json:"text,omitempty"`
	Href     string   `json:"href,omitempty"`
	Style    []string `json:"style,omitempty"`
	Language string   `json:"language,omitempty"`
}

// Body is one locale's post: a title and ordered paragraphs of inline
// elements.
type Body struct {
	Title   string      `json:"title"`
	Content [][]Element `json:"content"`
}

// Post is the locale-keyed document sent as msg_type "post".
type Post map[string]*Body

// NewPost wraps converted paragraphs under the service's default locale key.
func NewPost(title string, content [][]Element) Post {
	return Post{"zh_cn": &Body{Title: title, Content: content}}
}
