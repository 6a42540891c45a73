// Package imaging provides the image handling of the recognition engine:
// decoding uploads, normalizing captures for recognition, sampling, and the
// review crops and annotated overlays shown to reviewers.
//
// # Coordinate System
//
// Pixel coordinates are 0-based with the origin at the top-left corner, X
// increasing rightward and Y downward. Continuous positions (as produced by
// a homography) place the centre of pixel (x, y) at (x+0.5, y+0.5).
//
// # Preprocessing
//
// Preprocess runs the fixed sequence rotation hint, resize into the working
// band, colour drop-out, grayscale, median de-noise, contrast and gamma, and
// a percentile histogram stretch. The parameters come from a Profile; retries
// of the same capture move to progressively more aggressive profiles.
//
// # Thread Safety
//
// The ImageCache type is safe for concurrent use. Individual image operations
// are stateless and can be called concurrently on different images.
//
// # Error Handling
//
// Preprocess classifies unusable captures as omr.CodeInvalidImage. Other
// functions return plain wrapped errors for invalid inputs such as regions
// outside the image or undecodable data.
package imaging
