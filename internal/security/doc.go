// Package security provides input validators for filesystem boundaries.
//
// The service reads client-named files from the upload directory and
// deletes directories under the outputs root, so every externally
// influenced path goes through validation first:
//
//   - Path confines absolute paths to configured root directories and
//     re-checks symlink targets, preventing directory traversal (CWE-22).
//   - Filename rejects upload names that contain separators or traversal
//     components before they are joined to the upload directory.
//
// Validation errors are deliberately generic so they do not echo
// filesystem layout back to clients.
package security
