package chat

// NewTextCard builds a minimal interactive card: a header and one markdown
// body block.
func NewTextCard(title, body string) Card {
	return Card{
		"config": map[string]any{
			"wide_screen_mode": true,
		},
		"header": map[string]any{
			"title": map[string]any{
				"tag":     "plain_text",
				"content": title,
			},
			"template": "blue",
		},
		"elements": []any{
			map[string]any{
				"tag": "div",
				"text": map[string]any{
					"tag":     "lark_md",
					"content": body,
				},
			},
		},
	}
}

// NewSummaryCard builds the end-of-session task summary card. The tail is
// the session's rolling summary-buffer contents.
func NewSummaryCard(cli, cwd, tail string) Card {
	body := tail
	if body == "" {
		body = "session ended"
	}
	return Card{
		"config": map[string]any{
			"wide_screen_mode": true,
		},
		"header": map[string]any{
			"title": map[string]any{
				"tag":     "plain_text",
				"content": "任务结束 · " + cli,
			},
			"template": "green",
		},
		"elements": []any{
			map[string]any{
				"tag": "div",
				"text": map[string]any{
					"tag":     "lark_md",
					"content": body,
				},
			},
			map[string]any{
				"tag": "note",
				"elements": []any{
					map[string]any{
						"tag":     "plain_text",
						"content": cwd,
					},
				},
			},
		},
	}
}

// NewNoSessionCard answers a chat message that reached a bot with no active
// session bound to it.
func NewNoSessionCard() Card {
	return NewTextCard("felay", "没有正在运行的会话。请先在终端中启动一个 AI 会话并绑定此机器人。")
}
