// Package ocr reads handwritten roll numbers with Tesseract.
//
// The engine only falls back to it when the roll-number digit columns cannot
// be decoded: a student who wrote the number but skipped the bubbles still
// gets a student identifier, and one who did neither gets none.
//
// # Prerequisites
//
// Tesseract and its English language data must be installed:
//   - Ubuntu/Debian: apt-get install tesseract-ocr tesseract-ocr-eng
//   - macOS: brew install tesseract
//
// Set Options.TessdataPrefix when the data lives outside the default
// search path.
//
// A Reader creates one Tesseract client per call, so it may be shared
// between scan workers.
package ocr
