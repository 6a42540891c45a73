// Package detection locates the four corner markers of an answer sheet in a
// preprocessed capture and derives the template-to-image homography used by
// every later stage.
//
// # Algorithm Overview
//
//  1. Binarize: Bradley adaptive threshold over an integral image
//  2. Components: 8-connected ink components inside each corner search window
//  3. Filtering: size relative to the image, aspect ratio, and ink density
//  4. Fit: each candidate's box is resampled onto a 20×20 grid and compared
//     with the marker artwork expected at that corner
//  5. Orientation: upright and 180° hypotheses are scored; the higher total
//     fit wins
//  6. Geometry: four markers give a DLT homography over the marker centres
//     and outer corners; three give an affine fit and a synthesized fourth
//     marker
//
// # Coordinate System
//
// Image positions are continuous: pixel (x, y) covers [x, x+1) × [y, y+1).
// Template positions are in template units, origin at the outer corner of the
// top-left marker.
//
// # Confidence Scores
//
// Alignment.Confidence combines the mean artwork fit of the found markers
// with the reprojection error relative to the marker size:
//   - 1.0 = every marker matched its artwork and the fit is exact
//   - three-marker recoveries are scaled by Options.RecoveryPenalty
//
// Callers compare Confidence with their own floor; Locate only fails when no
// plausible geometry exists.
package detection
