package domain

// defaultPrompts is the prompt set evaluated when a request supplies none.
var defaultPrompts = []string{
	"Create a hyperrealistic photograph of a steam locomotive charging through a heavy snowstorm at night, with the headlight piercing through the darkness and steam billowing dramatically. The scene should have strong contrast between light and shadow, with ice formations visible on the front of the engine.",
	"Design an elaborate Art Nouveau-style illustration of a peacock perched in a golden archway, surrounded by ornate floral patterns incorporating lilies and roses. The peacock's tail should be fully displayed with intricate detail in jewel tones, and metallic architectural elements should frame the composition.",
	"Render a detailed underwater scene of an ancient temple complex discovered in a coral reef, with rays of sunlight filtering through crystal-clear water. Include schools of tropical fish, partially buried stone sculptures covered in coral, and sea plants growing between weathered stone columns.",
	"Compose a cinematic widescreen shot of a solitary lighthouse on a rocky cliff during a fierce storm at sunset. The lighthouse beam should cut through dark storm clouds, waves should be crashing against the rocks below, and there should be visible weather effects like rain and lightning in the background.",
	"Create a highly detailed macro photograph of a mechanical watch movement, focusing on the intricate gears, springs, and jewels. The image should have shallow depth of field, with some elements in sharp focus while others softly blur. Include subtle reflections on the polished metal surfaces.",
}

// DefaultPrompts returns a copy of the default prompt set.
func DefaultPrompts() []string {
	return append([]string(nil), defaultPrompts...)
}
