package sandbox

const DefaultImage = "python:3.11-slim"

// Profile pins how submissions are staged and started inside the container.
// The engine runs Python only, so there is exactly one profile; the image is
// the single deployment-tunable part.
type Profile struct {
	Image      string
	SourceFile string
	RunCommand []string
}

func PythonProfile(img string) Profile {
	if img == "" {
		img = DefaultImage
	}
	return Profile{
		Image:      img,
		SourceFile: "main.py",
		RunCommand: []string{"python3", "main.py"},
	}
}
