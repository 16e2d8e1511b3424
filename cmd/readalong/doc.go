// Command readalong builds EPUB 3 media-overlay books from chaptered
// audiobooks, synchronizing transcript or original-EPUB reading text with
// the narration.
package main
