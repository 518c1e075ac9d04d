package anthropic

// BuildCachedSystemBlocks constructs system content blocks with a cache
// breakpoint. Every chunk of a category shares the same system prompt, so
// the second and later chunks of a sheet read it from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "5m",
			},
		},
	}
}
