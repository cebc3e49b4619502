package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractTextContent(t *testing.T) {
	text, images := extractContent("text", `{"text":"hello world"}`)
	assert.Equal(t, "hello world", text)
	assert.Empty(t, images)
}

func TestExtractTextStripsMentions(t *testing.T) {
	text, _ := extractContent("text", `{"text":"@_user_1 run the build"}`)
	assert.Equal(t, "run the build", text)
}

func TestExtractImageContent(t *testing.T) {
	text, images := extractContent("image", `{"image_key":"img_v2_abc"}`)
	assert.Empty(t, text)
	assert.Equal(t, []string{"img_v2_abc"}, images)
}

func TestExtractPostContent(t *testing.T) {
	raw := `{"title":"t","content":[[{"tag":"text","text":"first "},{"tag":"a","text":"link","href":"https://x"}],[{"tag":"img","image_key":"img_1"}],[{"tag":"text","text":"second"}]]}`

	text, images := extractContent("post", raw)
	assert.Equal(t, "first link\nsecond", text)
	assert.Equal(t, []string{"img_1"}, images)
}

func TestExtractPostContentLocaleWrapped(t *testing.T) {
	raw := `{"zh_cn":{"title":"t","content":[[{"tag":"text","text":"wrapped"}]]}}`

	text, _ := extractContent("post", raw)
	assert.Equal(t, "wrapped", text)
}

func TestExtractUnknownTypeIgnored(t *testing.T) {
	text, images := extractContent("sticker", `{"file_key":"x"}`)
	assert.Empty(t, text)
	assert.Empty(t, images)

	text, images = extractContent("text", `not json`)
	assert.Empty(t, text)
	assert.Empty(t, images)
}

func TestStripMentions(t *testing.T) {
	assert.Equal(t, "hi  there", stripMentions("hi @_user_12 there"))
	assert.Equal(t, "plain", stripMentions("plain"))
	assert.Equal(t, "", stripMentions("@_user_1"))
}
